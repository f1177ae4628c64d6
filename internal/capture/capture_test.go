package capture

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/voice-pipeline/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink collects everything a source delivers.
type recordingSink struct {
	mu          sync.Mutex
	chunks      [][]byte
	connects    []DeviceInfo
	disconnects int
}

func (s *recordingSink) Ingest(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), p...))
}

func (s *recordingSink) OnConnect(info DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects = append(s.connects, info)
}

func (s *recordingSink) OnDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *recordingSink) snapshot() ([][]byte, []DeviceInfo, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...), append([]DeviceInfo(nil), s.connects...), s.disconnects
}

func (s *recordingSink) totalBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

type readResult struct {
	data []byte
	err  error
}

// scriptedReader replays results, then reports timeouts.
type scriptedReader struct {
	mu      sync.Mutex
	results []readResult
	closed  bool
	reads   int
}

func (r *scriptedReader) Read(p []byte, timeout time.Duration) (int, error) {
	r.mu.Lock()
	r.reads++
	if len(r.results) == 0 {
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, ErrReadTimeout
	}
	res := r.results[0]
	r.results = r.results[1:]
	r.mu.Unlock()

	if res.err != nil {
		return 0, res.err
	}
	return copy(p, res.data), nil
}

func (r *scriptedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *scriptedReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// fakeDriver lets tests fire USB events by hand.
type fakeDriver struct {
	mu       sync.Mutex
	handler  EventHandler
	started  []audio.StreamFormat
	stops    int
	closed   bool
	startErr error
}

func (d *fakeDriver) Open(h EventHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
	return nil
}

func (d *fakeDriver) StartStream(f audio.StreamFormat) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started = append(d.started, f)
	return nil
}

func (d *fakeDriver) StopStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

var errDevice = errors.New("device fault")
