package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/skypro1111/voice-pipeline/internal/audio"
)

// ErrWriteTimeout is returned when the device buffer stayed full past the
// write deadline.
var ErrWriteTimeout = errors.New("output write timeout")

// Output plays PCM through the default playback device. Writes land in a
// small ring buffer that the device callback drains; whatever the callback
// cannot fill is played as silence.
type Output struct {
	logger *slog.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu     sync.Mutex
	buffer *audio.RingBuffer
	closed bool

	starved atomic.Uint64
}

// OpenOutput starts the default playback device at format. bufferBytes
// bounds how much audio can be queued ahead of the device.
func OpenOutput(format audio.StreamFormat, bufferBytes int, logger *slog.Logger) (*Output, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	buffer, err := audio.NewRingBuffer(bufferBytes)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	o := &Output{
		logger: logger.With(slog.String("component", "output")),
		ctx:    ctx,
		buffer: buffer,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = 10

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: o.fill,
	})
	if err != nil {
		o.releaseContext()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		o.releaseContext()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	o.device = device

	o.logger.Info("Playback device started",
		slog.String("format", format.String()),
		slog.Int("buffer_bytes", bufferBytes),
	)
	return o, nil
}

// fill runs on the device thread.
func (o *Output) fill(output, _ []byte, _ uint32) {
	o.mu.Lock()
	n := o.buffer.Read(output)
	o.mu.Unlock()

	if n < len(output) {
		audio.Silence(output[n:])
		if n == 0 {
			o.starved.Add(1)
		}
	}
}

// Write queues p, waiting up to timeout for room. It returns the number of
// bytes queued.
func (o *Output) Write(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	written := 0

	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return written, fmt.Errorf("output closed")
		}
		written += o.buffer.Write(p[written:])
		o.mu.Unlock()

		if written == len(p) {
			return written, nil
		}
		if time.Now().After(deadline) {
			return written, ErrWriteTimeout
		}
		time.Sleep(pollInterval)
	}
}

// Starved returns how many device callbacks found nothing queued.
func (o *Output) Starved() uint64 {
	return o.starved.Load()
}

// Close stops the device and releases miniaudio.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	if o.device != nil {
		o.device.Uninit()
	}
	return o.releaseContext()
}

func (o *Output) releaseContext() error {
	if err := o.ctx.Uninit(); err != nil {
		return fmt.Errorf("failed to release audio context: %w", err)
	}
	o.ctx.Free()
	return nil
}

// Discard is an output device that accepts and drops everything. It stands
// in for hardware on headless hosts.
type Discard struct {
	written atomic.Uint64
}

// Write drops p.
func (d *Discard) Write(p []byte, _ time.Duration) (int, error) {
	d.written.Add(uint64(len(p)))
	return len(p), nil
}

// Written returns the number of bytes dropped so far.
func (d *Discard) Written() uint64 {
	return d.written.Load()
}

// Close does nothing.
func (d *Discard) Close() error {
	return nil
}
