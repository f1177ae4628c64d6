package audio

import "fmt"

// Decimate mixes interleaved input to mono and keeps every ratio-th frame.
//
// Stereo frames are mixed as (l+r)/2 in integer arithmetic, which truncates
// toward zero. state counts frames since the last emitted one and must be
// carried between calls for the same stream so that the kept frames do not
// depend on how the input was chunked. out must hold at least
// len(in)/channels/ratio+1 samples; the number written is returned.
func Decimate(in []int16, channels, ratio int, state *int, out []int16) int {
	if channels < 1 || ratio < 1 {
		return 0
	}

	frames := len(in) / channels
	n := 0
	for i := 0; i < frames; i++ {
		var sample int16
		if channels == 2 {
			sample = int16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
		} else {
			sample = in[i]
		}

		*state++
		if *state >= ratio {
			*state = 0
			if n < len(out) {
				out[n] = sample
				n++
			}
		}
	}
	return n
}

// Decimator owns the phase counter for one logical stream.
type Decimator struct {
	channels int
	ratio    int
	state    int
}

// NewDecimator creates a decimator for the given channel count and ratio.
func NewDecimator(channels, ratio int) (*Decimator, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidChannels, channels)
	}
	if ratio < 1 {
		return nil, fmt.Errorf("%w: ratio %d", ErrInvalidRatio, ratio)
	}
	return &Decimator{channels: channels, ratio: ratio}, nil
}

// Process decimates in into out and returns the number of samples produced.
func (d *Decimator) Process(in []int16, out []int16) int {
	return Decimate(in, d.channels, d.ratio, &d.state, out)
}

// OutputLen returns a safe output length for an input of n samples.
func (d *Decimator) OutputLen(n int) int {
	return n/d.channels/d.ratio + 1
}

// Reset zeroes the phase counter. Only call this when the stream restarts.
func (d *Decimator) Reset() {
	d.state = 0
}

// Ratio returns the decimation ratio.
func (d *Decimator) Ratio() int {
	return d.ratio
}

// Channels returns the input channel count.
func (d *Decimator) Channels() int {
	return d.channels
}
