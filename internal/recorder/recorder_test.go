package recorder

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/voice-pipeline/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// queue is a stream source that hands out whatever was pushed.
type queue struct {
	mu   sync.Mutex
	data []byte
}

func (q *queue) push(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.data = append(q.data, p...)
}

func (q *queue) read(buf []byte, _ time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(buf, q.data)
	q.data = q.data[n:]
	return n
}

func (q *queue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

type harness struct {
	recorder *Recorder
	active   *atomic.Bool
	source   *queue
	cancel   context.CancelFunc
	done     chan error
}

func start(t *testing.T, dir string, active bool) *harness {
	t.Helper()

	h := &harness{active: &atomic.Bool{}, source: &queue{}, done: make(chan error, 1)}
	h.active.Store(active)
	h.recorder = New(Config{Directory: dir, ChunkSize: 64, ReadTimeout: time.Millisecond},
		[]Stream{{Name: "processed", Format: audio.ProcessedFormat(), Read: h.source.read}},
		h.active.Load, testLogger(), nil)
	return h
}

func (h *harness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- h.recorder.Run(ctx)
	}()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Recorder did not stop")
	}
}

func TestRecordWhileActive(t *testing.T) {
	dir := t.TempDir()
	h := start(t, dir, true)

	pcm := audio.SamplesToBytes([]int16{1, -2, 3, -4, 5, -6, 7, -8, 9, -10})
	h.source.push(pcm)
	h.run()

	assert.Eventually(t, func() bool {
		recs := h.recorder.Recordings()
		return len(recs) == 1 && recs[0].Bytes == uint32(len(pcm))
	}, time.Second, time.Millisecond)
	h.stop(t)

	recs := h.recorder.Recordings()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Closed)
	assert.Equal(t, "processed", recs[0].Stream)
	assert.Equal(t, dir, filepath.Dir(recs[0].Path))

	data, err := os.ReadFile(recs[0].Path)
	require.NoError(t, err)
	got, format, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, audio.ProcessedFormat(), format)
	assert.Equal(t, pcm, got)
}

func TestSessionPerActivePeriod(t *testing.T) {
	h := start(t, t.TempDir(), true)
	h.source.push(make([]byte, 100))
	h.run()

	assert.Eventually(t, func() bool {
		recs := h.recorder.Recordings()
		return len(recs) == 1 && recs[0].Bytes == 100
	}, time.Second, time.Millisecond)

	h.active.Store(false)
	assert.Eventually(t, func() bool {
		return h.recorder.Recordings()[0].Closed
	}, time.Second, time.Millisecond)

	h.source.push(make([]byte, 40))
	h.active.Store(true)
	assert.Eventually(t, func() bool {
		recs := h.recorder.Recordings()
		return len(recs) == 2 && recs[1].Bytes == 40
	}, time.Second, time.Millisecond)

	h.stop(t)
	recs := h.recorder.Recordings()
	assert.NotEqual(t, recs[0].Path, recs[1].Path)
	assert.True(t, recs[1].Closed)
}

func TestInactiveLeavesStreamAlone(t *testing.T) {
	h := start(t, t.TempDir(), false)
	h.source.push(make([]byte, 100))
	h.run()

	time.Sleep(20 * time.Millisecond)
	h.stop(t)

	assert.Empty(t, h.recorder.Recordings())
	assert.Equal(t, 100, h.source.pending())
}

func TestRunBadDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	h := start(t, filepath.Join(file, "sub"), true)
	err := h.recorder.Run(context.Background())
	assert.Error(t, err)
}
