package audio

import (
	"encoding/binary"
	"fmt"
)

// Format describes a PCM stream: sample rate in Hz and interleaved channel
// count. Samples are always 16-bit signed little-endian on the wire.
type Format struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// DeviceFormat is the fixed wire format the device speaks.
var DeviceFormat = Format{SampleRate: 16000, Channels: 2}

// Validate checks the format is usable.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", f.Channels)
	}
	return nil
}

// mapChannels converts interleaved samples between channel counts. Stereo
// to mono takes the left channel only; mono to stereo duplicates.
func mapChannels(samples []int16, from, to int) []int16 {
	if from == to {
		return samples
	}

	if from == 2 && to == 1 {
		out := make([]int16, len(samples)/2)
		for i := range out {
			out[i] = samples[i*2]
		}
		return out
	}

	// Mono to stereo: dual-mono.
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// applyGain multiplies samples by a linear gain in place, clamping to the
// valid int16 range to prevent wraparound distortion.
func applyGain(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		v := float64(s) * gain
		switch {
		case v > 32767:
			samples[i] = 32767
		case v < -32768:
			samples[i] = -32768
		default:
			samples[i] = int16(v)
		}
	}
}

// samplesToBytes encodes int16 samples as little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// bytesToSamples decodes little-endian bytes into int16 samples. A trailing
// odd byte is dropped.
func bytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
