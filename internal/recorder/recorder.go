package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voice-pipeline/internal/audio"
	"github.com/skypro1111/voice-pipeline/internal/metrics"
)

// Stream is one capture stream to record.
type Stream struct {
	Name   string
	Format audio.StreamFormat
	Read   func(buf []byte, timeout time.Duration) int
}

// Config contains recorder parameters
type Config struct {
	Directory   string
	ChunkSize   int           // bytes per read
	ReadTimeout time.Duration // lock bound per read, also the idle poll interval
}

// Recording describes a finished or in-progress WAV file.
type Recording struct {
	Stream    string    `json:"stream"`
	Path      string    `json:"path"`
	Bytes     uint32    `json:"bytes"`
	StartedAt time.Time `json:"started_at"`
	Closed    bool      `json:"closed"`
}

// Recorder drains the configured streams into one WAV file per stream per
// recording session. A session lasts while active reports true. Audio that
// was buffered before the session began is included.
type Recorder struct {
	config  Config
	streams []Stream
	active  func() bool
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	recordings []*Recording
}

// New creates a recorder. active is polled to decide whether to record.
func New(cfg Config, streams []Stream, active func() bool, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	if cfg.ChunkSize < 2 {
		cfg.ChunkSize = 3200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 20 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		config:  cfg,
		streams: streams,
		active:  active,
		logger:  logger.With(slog.String("component", "recorder")),
		metrics: m,
	}
}

// Run records until ctx is done, then finalizes any open files.
func (r *Recorder) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.config.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create recording directory %s: %w", r.config.Directory, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range r.streams {
		g.Go(func() error {
			return r.record(gctx, s)
		})
	}
	return g.Wait()
}

// session is one open WAV file.
type session struct {
	file   *os.File
	writer *audio.WAVWriter
	info   *Recording
}

func (r *Recorder) record(ctx context.Context, s Stream) error {
	buf := make([]byte, r.config.ChunkSize)
	var current *session

	defer func() {
		if current != nil {
			r.finish(current)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !r.active() {
			if current != nil {
				r.finish(current)
				current = nil
			}
			if !sleep(ctx, r.config.ReadTimeout) {
				return nil
			}
			continue
		}

		if current == nil {
			var err error
			current, err = r.open(s)
			if err != nil {
				return err
			}
		}

		n := s.Read(buf, r.config.ReadTimeout)
		if n == 0 {
			if !sleep(ctx, r.config.ReadTimeout) {
				return nil
			}
			continue
		}

		if _, err := current.writer.Write(buf[:n]); err != nil {
			return fmt.Errorf("failed to write %s recording: %w", s.Name, err)
		}
		r.mu.Lock()
		current.info.Bytes = current.writer.DataSize()
		r.mu.Unlock()
		r.metrics.RecordRecorded(s.Name, n)
	}
}

func (r *Recorder) open(s Stream) (*session, error) {
	now := time.Now()
	name := fmt.Sprintf("%s_%s_%s.wav", s.Name, now.Format("20060102-150405"), uuid.NewString()[:8])
	path := filepath.Join(r.config.Directory, name)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording %s: %w", path, err)
	}
	writer, err := audio.NewWAVWriter(file, s.Format)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to start recording %s: %w", path, err)
	}

	info := &Recording{Stream: s.Name, Path: path, StartedAt: now}
	r.mu.Lock()
	r.recordings = append(r.recordings, info)
	r.mu.Unlock()

	r.logger.Info("Recording started",
		slog.String("stream", s.Name),
		slog.String("path", path),
		slog.String("format", s.Format.String()),
	)
	return &session{file: file, writer: writer, info: info}, nil
}

func (r *Recorder) finish(s *session) {
	if err := s.writer.Close(); err != nil {
		r.logger.Warn("Failed to finalize recording",
			slog.String("path", s.info.Path),
			slog.String("error", err.Error()),
		)
	}
	if err := s.file.Close(); err != nil {
		r.logger.Warn("Failed to close recording",
			slog.String("path", s.info.Path),
			slog.String("error", err.Error()),
		)
	}

	r.mu.Lock()
	s.info.Closed = true
	bytes := s.info.Bytes
	r.mu.Unlock()

	r.logger.Info("Recording finished",
		slog.String("stream", s.info.Stream),
		slog.String("path", s.info.Path),
		slog.Uint64("bytes", uint64(bytes)),
	)
}

// Recordings returns every recording made so far.
func (r *Recorder) Recordings() []Recording {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Recording, len(r.recordings))
	for i, rec := range r.recordings {
		out[i] = *rec
	}
	return out
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
