package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camlink/transport"
)

// DefaultChunkPackets is how many device packets accumulate before the
// inbound path converts and releases a playback chunk. Larger values smooth
// jitter at the cost of latency.
const DefaultChunkPackets = 4

// BridgeConfig configures a format bridge.
type BridgeConfig struct {
	// Device is the wire format; zero value means DeviceFormat.
	Device Format
	// Playback is the local output hardware format.
	Playback Format
	// Capture is the local input hardware format.
	Capture Format
	// Gain is the linear gain applied to inbound audio (1.0 = unity).
	Gain float64
	// ChunkPackets overrides DefaultChunkPackets.
	ChunkPackets int
	// PacketSize overrides the device UDP payload size.
	PacketSize int
}

// Bridge converts between the device's fixed PCM format and the local
// hardware formats in both directions. It is owned by the audio session
// controller and must not be used from more than one goroutine per
// direction.
type Bridge struct {
	cfg       BridgeConfig
	chunkSize int

	inbound     []byte
	inResampler *Resampler

	outResampler *Resampler
	packetizer   *Packetizer
}

// NewBridge validates the formats and builds both direction pipelines.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Device == (Format{}) {
		cfg.Device = DeviceFormat
	}
	if cfg.Gain == 0 {
		cfg.Gain = 1.0
	}
	if cfg.ChunkPackets == 0 {
		cfg.ChunkPackets = DefaultChunkPackets
	}
	if cfg.PacketSize == 0 {
		cfg.PacketSize = transport.MaxPacketSize
	}

	for _, f := range []Format{cfg.Device, cfg.Playback, cfg.Capture} {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("bridge format: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewBridge",
		"device_rate":   cfg.Device.SampleRate,
		"playback_rate": cfg.Playback.SampleRate,
		"capture_rate":  cfg.Capture.SampleRate,
		"gain":          cfg.Gain,
	}).Info("Creating audio format bridge")

	inRes, err := NewResampler(cfg.Device.SampleRate, cfg.Playback.SampleRate, cfg.Playback.Channels)
	if err != nil {
		return nil, err
	}
	outRes, err := NewResampler(cfg.Capture.SampleRate, cfg.Device.SampleRate, cfg.Device.Channels)
	if err != nil {
		return nil, err
	}

	return &Bridge{
		cfg:          cfg,
		chunkSize:    cfg.ChunkPackets * cfg.PacketSize,
		inResampler:  inRes,
		outResampler: outRes,
		packetizer:   NewPacketizer(cfg.PacketSize),
	}, nil
}

// PushDevicePacket accumulates one inbound device packet. When a full chunk
// is available it is converted to the playback format (channel map,
// resample, gain) and returned; otherwise nil.
func (b *Bridge) PushDevicePacket(pkt []byte) ([]byte, error) {
	b.inbound = append(b.inbound, pkt...)
	if len(b.inbound) < b.chunkSize {
		return nil, nil
	}

	chunk := b.inbound[:b.chunkSize]
	rest := b.inbound[b.chunkSize:]

	samples := bytesToSamples(chunk)
	samples = mapChannels(samples, b.cfg.Device.Channels, b.cfg.Playback.Channels)
	samples, err := b.inResampler.Process(samples)
	if err != nil {
		return nil, err
	}
	applyGain(samples, b.cfg.Gain)

	b.inbound = append(b.inbound[:0], rest...)
	return samplesToBytes(samples), nil
}

// PushCapture converts locally captured samples to the device format and
// returns every full device packet now available. Residue below one packet
// is retained, never sent undersized.
func (b *Bridge) PushCapture(samples []int16) ([][]byte, error) {
	if len(samples)%b.cfg.Capture.Channels != 0 {
		return nil, fmt.Errorf("capture samples (%d) not aligned to channel count (%d)",
			len(samples), b.cfg.Capture.Channels)
	}

	mapped := mapChannels(samples, b.cfg.Capture.Channels, b.cfg.Device.Channels)
	converted, err := b.outResampler.Process(mapped)
	if err != nil {
		return nil, err
	}

	return b.packetizer.Push(samplesToBytes(converted)), nil
}

// ResetInbound discards accumulated playback-direction state. Called when
// the playback pipeline is halted by a half-duplex switch.
func (b *Bridge) ResetInbound() {
	b.inbound = nil
	b.inResampler.Reset()
}

// ResetOutbound discards capture-direction residue. Called when the capture
// pipeline is halted by a half-duplex switch.
func (b *Bridge) ResetOutbound() {
	b.packetizer.Reset()
	b.outResampler.Reset()
}
