package audio

import (
	"errors"
	"fmt"
	"time"
)

// ProcessedSampleRate is the fixed rate of the processed (cloud) stream.
const ProcessedSampleRate = 16000

var (
	// ErrInvalidChannels is returned for channel counts other than 1 or 2.
	ErrInvalidChannels = errors.New("channel count must be 1 or 2")
	// ErrInvalidRatio is returned when two rates are not related by an integer factor.
	ErrInvalidRatio = errors.New("sample rates are not related by an integer ratio")
)

// StreamFormat describes an interleaved 16-bit PCM stream.
type StreamFormat struct {
	SampleRate    int `json:"sample_rate" yaml:"sample_rate"`
	Channels      int `json:"channels" yaml:"channels"`
	BitsPerSample int `json:"bits_per_sample" yaml:"bits_per_sample"`
}

// ProcessedFormat returns the 16 kHz mono 16-bit format.
func ProcessedFormat() StreamFormat {
	return StreamFormat{SampleRate: ProcessedSampleRate, Channels: 1, BitsPerSample: 16}
}

// Validate checks the format is a 16-bit mono or stereo stream.
func (f StreamFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w, got %d", ErrInvalidChannels, f.Channels)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("bits per sample must be 16, got %d", f.BitsPerSample)
	}
	return nil
}

// DecimationRatio returns f.SampleRate / target.SampleRate, failing unless it is
// an exact integer of at least 1.
func (f StreamFormat) DecimationRatio(target StreamFormat) (int, error) {
	if f.SampleRate <= 0 || target.SampleRate <= 0 {
		return 0, fmt.Errorf("%w: %d Hz -> %d Hz", ErrInvalidRatio, f.SampleRate, target.SampleRate)
	}
	if f.SampleRate < target.SampleRate || f.SampleRate%target.SampleRate != 0 {
		return 0, fmt.Errorf("%w: %d Hz -> %d Hz", ErrInvalidRatio, f.SampleRate, target.SampleRate)
	}
	return f.SampleRate / target.SampleRate, nil
}

// FrameBytes is the size of one interleaved frame.
func (f StreamFormat) FrameBytes() int {
	return f.Channels * f.BitsPerSample / 8
}

// BytesPerSecond is the data rate of the stream.
func (f StreamFormat) BytesPerSecond() int {
	return f.SampleRate * f.FrameBytes()
}

// Duration is the play time of n bytes in this format.
func (f StreamFormat) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%d Hz/%d ch/%d-bit", f.SampleRate, f.Channels, f.BitsPerSample)
}
