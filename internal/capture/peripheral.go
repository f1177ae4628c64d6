package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-pipeline/internal/audio"
)

// Reader is a synchronous audio peripheral. Read blocks for at most timeout
// and returns ErrReadTimeout when nothing arrived.
type Reader interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// PeripheralConfig contains capture loop parameters
type PeripheralConfig struct {
	Name         string
	Format       audio.StreamFormat
	FrameSamples int           // Frames per read (240 = 5ms at 48kHz)
	ReadTimeout  time.Duration // Bounded wait on the peripheral
	ErrorBackoff time.Duration // Pause after a read error
	StopGrace    time.Duration // How long Stop waits for the loop to exit
}

func (c *PeripheralConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "peripheral"
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = 240
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 10 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 200 * time.Millisecond
	}
}

// PeripheralSource runs a dedicated loop that reads from a Reader and
// forwards every chunk to the sink. No lock is held while reading.
type PeripheralSource struct {
	reader Reader
	sink   Sink
	config PeripheralConfig
	logger *slog.Logger

	streaming atomic.Bool
	done      chan struct{}
	startMu   sync.Mutex

	chunks     atomic.Uint64
	bytes      atomic.Uint64
	timeouts   atomic.Uint64
	readErrors atomic.Uint64
}

// NewPeripheralSource creates a capture source over a blocking reader.
func NewPeripheralSource(r Reader, sink Sink, cfg PeripheralConfig, logger *slog.Logger) *PeripheralSource {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &PeripheralSource{
		reader: r,
		sink:   sink,
		config: cfg,
		logger: logger.With(slog.String("source", cfg.Name)),
	}
}

// Name returns the configured source name.
func (s *PeripheralSource) Name() string {
	return s.config.Name
}

// Start launches the capture loop and reports the peripheral as connected.
func (s *PeripheralSource) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.streaming.Load() {
		return ErrAlreadyStarted
	}
	if err := s.config.Format.Validate(); err != nil {
		return fmt.Errorf("peripheral format: %w", err)
	}

	s.done = make(chan struct{})
	s.streaming.Store(true)

	s.sink.OnConnect(DeviceInfo{
		Transport:   "peripheral",
		Name:        s.config.Name,
		Format:      s.config.Format,
		SessionID:   uuid.NewString(),
		ConnectedAt: time.Now(),
	})

	go s.captureLoop(ctx, s.done)

	s.logger.Info("Peripheral capture started",
		slog.String("format", s.config.Format.String()),
		slog.Int("frame_samples", s.config.FrameSamples),
		slog.Duration("read_timeout", s.config.ReadTimeout),
	)
	return nil
}

// captureLoop reads until streaming is cleared or ctx is done.
func (s *PeripheralSource) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	buf := make([]byte, s.config.FrameSamples*s.config.Format.FrameBytes())

	for s.streaming.Load() {
		if ctx.Err() != nil {
			s.streaming.Store(false)
			return
		}

		n, err := s.reader.Read(buf, s.config.ReadTimeout)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				s.timeouts.Add(1)
				continue
			}

			s.readErrors.Add(1)
			s.logger.Warn("Peripheral read failed", slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
			case <-time.After(s.config.ErrorBackoff):
			}
			continue
		}

		if n > 0 && s.streaming.Load() {
			s.sink.Ingest(buf[:n])
			s.chunks.Add(1)
			s.bytes.Add(uint64(n))
		}
	}
}

// Stop clears the streaming flag, waits up to the grace period for the loop
// to exit, then closes the reader.
func (s *PeripheralSource) Stop() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.done == nil {
		return nil
	}
	s.streaming.Store(false)

	var stopErr error
	select {
	case <-s.done:
	case <-time.After(s.config.StopGrace):
		stopErr = ErrStopTimeout
		s.logger.Warn("Capture loop still running after grace period",
			slog.Duration("grace", s.config.StopGrace),
		)
	}
	s.done = nil

	if err := s.reader.Close(); err != nil {
		s.logger.Warn("Failed to close peripheral", slog.String("error", err.Error()))
	}
	s.sink.OnDisconnect()

	s.logger.Info("Peripheral capture stopped",
		slog.Uint64("chunks", s.chunks.Load()),
		slog.Uint64("timeouts", s.timeouts.Load()),
		slog.Uint64("read_errors", s.readErrors.Load()),
	)
	return stopErr
}

// Stats returns capture counters.
func (s *PeripheralSource) Stats() SourceStats {
	state := "stopped"
	streaming := s.streaming.Load()
	if streaming {
		state = "streaming"
	}
	return SourceStats{
		Chunks:     s.chunks.Load(),
		Bytes:      s.bytes.Load(),
		Timeouts:   s.timeouts.Load(),
		ReadErrors: s.readErrors.Load(),
		Streaming:  streaming,
		State:      state,
	}
}
