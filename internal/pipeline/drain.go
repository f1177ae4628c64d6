package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/skypro1111/voice-pipeline/internal/audio"
)

// levelsEvery is how many drain cycles pass between buffer level samples.
const levelsEvery = 100

// Drain moves fixed-size chunks from the playback buffer to the output device.
type Drain struct {
	p      *Pipeline
	out    OutputDevice
	chunk  []byte
	logger *slog.Logger

	cycles uint64
}

func newDrain(p *Pipeline, out OutputDevice) *Drain {
	return &Drain{
		p:      p,
		out:    out,
		chunk:  make([]byte, p.config.PlaybackChunkSize),
		logger: p.logger.With(slog.String("component", "drain")),
	}
}

// Once runs a single drain cycle and reports whether a chunk was handed to
// the output device. Only Playing and Duplex drain; a buffer holding less
// than one chunk counts as an underrun.
func (d *Drain) Once() bool {
	p := d.p
	if !p.initialized.Load() || !p.State().IsPlaying() {
		return false
	}

	if !p.lock.acquire(p.config.DrainLockTimeout) {
		return false
	}
	if p.playback == nil {
		p.lock.release()
		return false
	}
	if p.playback.Occupied() < len(d.chunk) {
		p.lock.release()
		p.underruns.Add(1)
		p.metrics.RecordUnderrun()
		return false
	}
	p.playback.Read(d.chunk)
	p.lock.release()

	if p.muted.Load() {
		audio.Silence(d.chunk)
	} else {
		audio.ScaleVolume(d.chunk, p.Volume())
	}

	start := time.Now()
	n, err := d.out.Write(d.chunk, p.config.PlaybackWriteTimeout)
	ok := err == nil && n == len(d.chunk)
	p.metrics.RecordPlaybackChunk(time.Since(start).Seconds(), ok)

	if ok {
		p.played.Add(1)
	} else {
		p.writeErrors.Add(1)
		attrs := []any{slog.Int("written", n), slog.Int("chunk", len(d.chunk))}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		d.logger.Debug("Short playback write", attrs...)
	}
	return true
}

// Run drains on the configured cadence until ctx is done. It also samples
// buffer levels into metrics.
func (d *Drain) Run(ctx context.Context) error {
	interval := d.p.config.drainInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("Playback drain started",
		slog.Duration("interval", interval),
		slog.Int("chunk_size", len(d.chunk)),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Playback drain stopped")
			return nil
		case <-ticker.C:
			d.Once()

			d.cycles++
			if d.cycles%levelsEvery == 0 && d.p.metrics != nil {
				levels := d.p.Levels()
				d.p.metrics.SetBufferLevels(levels.Raw, levels.Processed, levels.Playback)
			}
		}
	}
}
