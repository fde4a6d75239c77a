// Package audio bridges the device's fixed PCM wire format (16 kHz, 16-bit,
// two-channel interleaved) to whatever rate and channel count the local
// capture and playback hardware runs at.
//
// The conversion pipeline:
//
//	device packets → accumulate → channel map → resample → gain → playback
//	capture samples → channel map → resample → packetize → device packets
//
// Resampling uses linear interpolation, which is adequate for the intercom
// voice audio this device produces.
package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Resampler converts PCM audio between two sample rates using linear
// interpolation. It carries the previous call's final frame so output is
// continuous across arbitrarily chunked input. Not safe for concurrent use;
// each pipeline direction owns its own resampler.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int

	// last holds the final input frame from the previous call; pos is the
	// fractional read position relative to that frame.
	last   []int16
	pos    float64
	primed bool
}

// NewResampler creates a resampler from inputRate to outputRate for the
// given interleaved channel count.
func NewResampler(inputRate, outputRate, channels int) (*Resampler, error) {
	logrus.WithFields(logrus.Fields{
		"function":    "NewResampler",
		"input_rate":  inputRate,
		"output_rate": outputRate,
		"channels":    channels,
	}).Debug("Creating resampler")

	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", channels)
	}

	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
	}, nil
}

// Process converts one chunk of interleaved samples. Input length must be a
// multiple of the channel count. Returns the resampled chunk, which may be
// empty when the input was too short to produce an output frame.
func (r *Resampler) Process(input []int16) ([]int16, error) {
	if len(input)%r.channels != 0 {
		return nil, fmt.Errorf("input samples (%d) not aligned to channel count (%d)", len(input), r.channels)
	}
	if len(input) == 0 {
		return nil, nil
	}

	if r.inputRate == r.outputRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out, nil
	}

	// Extend the input with the carried frame so interpolation spans call
	// boundaries without a discontinuity.
	ext := input
	if r.primed {
		ext = make([]int16, 0, len(r.last)+len(input))
		ext = append(ext, r.last...)
		ext = append(ext, input...)
	}
	extFrames := len(ext) / r.channels

	ratio := float64(r.inputRate) / float64(r.outputRate)
	estimate := int(float64(len(input)/r.channels)/ratio) + 2
	out := make([]int16, 0, estimate*r.channels)

	pos := r.pos
	for int(pos)+1 < extFrames {
		idx := int(pos)
		frac := pos - float64(idx)
		base := idx * r.channels
		next := base + r.channels
		for ch := 0; ch < r.channels; ch++ {
			a := float64(ext[base+ch])
			b := float64(ext[next+ch])
			out = append(out, int16(a+(b-a)*frac))
		}
		pos += ratio
	}

	// Carry the final frame and the position relative to it.
	tail := ext[(extFrames-1)*r.channels:]
	if r.last == nil {
		r.last = make([]int16, r.channels)
	}
	copy(r.last, tail)
	r.pos = pos - float64(extFrames-1)
	r.primed = true

	return out, nil
}

// Reset discards interpolation state, for reuse across sessions.
func (r *Resampler) Reset() {
	r.pos = 0
	r.primed = false
}
