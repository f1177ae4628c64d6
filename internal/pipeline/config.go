package pipeline

import (
	"time"

	"github.com/skypro1111/voice-pipeline/internal/audio"
	"github.com/skypro1111/voice-pipeline/internal/vad"
)

// Config contains pipeline buffer, format, and timing parameters
type Config struct {
	// Capture side
	RawFormat           audio.StreamFormat
	RawBufferSize       int // bytes
	ProcessedBufferSize int // bytes

	// Playback side
	PlaybackFormat       audio.StreamFormat
	PlaybackBufferSize   int // bytes
	PlaybackChunkSize    int // bytes handed to the output device per drain cycle
	DrainInterval        time.Duration
	PlaybackWriteTimeout time.Duration

	// Lock acquisition bounds
	IngestLockTimeout  time.Duration
	DrainLockTimeout   time.Duration
	ControlLockTimeout time.Duration

	// Initial values
	Volume         uint8
	Muted          bool
	VADThresholdDB float32
}

// DefaultConfig returns the stock buffer sizes and timings.
func DefaultConfig() Config {
	return Config{
		RawFormat:            audio.StreamFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16},
		RawBufferSize:        64 * 1024,
		ProcessedBufferSize:  16 * 1024,
		PlaybackFormat:       audio.StreamFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16},
		PlaybackBufferSize:   4096,
		PlaybackChunkSize:    512,
		PlaybackWriteTimeout: 10 * time.Millisecond,
		IngestLockTimeout:    5 * time.Millisecond,
		DrainLockTimeout:     10 * time.Millisecond,
		ControlLockTimeout:   100 * time.Millisecond,
		Volume:               70,
		VADThresholdDB:       vad.DefaultThresholdDB,
	}
}

// drainInterval returns the configured cadence, or the duration of one
// playback chunk at the playback format.
func (c Config) drainInterval() time.Duration {
	if c.DrainInterval > 0 {
		return c.DrainInterval
	}
	bps := c.PlaybackFormat.BytesPerSecond()
	if bps <= 0 || c.PlaybackChunkSize <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(c.PlaybackChunkSize) * time.Second / time.Duration(bps)
}
