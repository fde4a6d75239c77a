package audio

// Packetizer slices an arbitrary byte flow into fixed-size packets matching
// the device's expected UDP payload size. Partial residue is retained
// across calls and never sent undersized.
type Packetizer struct {
	packetSize int
	residue    []byte
}

// NewPacketizer creates a packetizer emitting packets of exactly
// packetSize bytes.
func NewPacketizer(packetSize int) *Packetizer {
	return &Packetizer{packetSize: packetSize}
}

// Push appends data to the residue and returns every full packet now
// available, in order. Returned slices are freshly allocated and safe to
// hand to the transport.
func (p *Packetizer) Push(data []byte) [][]byte {
	p.residue = append(p.residue, data...)

	var packets [][]byte
	for len(p.residue) >= p.packetSize {
		pkt := make([]byte, p.packetSize)
		copy(pkt, p.residue[:p.packetSize])
		packets = append(packets, pkt)
		p.residue = p.residue[p.packetSize:]
	}

	if len(p.residue) == 0 {
		p.residue = nil
	}
	return packets
}

// Pending reports how many residue bytes await the next full packet.
func (p *Packetizer) Pending() int {
	return len(p.residue)
}

// Reset discards the residue, for use when the capture pipeline is halted.
func (p *Packetizer) Reset() {
	p.residue = nil
}
