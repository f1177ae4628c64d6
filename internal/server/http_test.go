package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/voice-pipeline/internal/audio"
	"github.com/skypro1111/voice-pipeline/internal/capture"
	"github.com/skypro1111/voice-pipeline/internal/config"
	"github.com/skypro1111/voice-pipeline/internal/metrics"
	"github.com/skypro1111/voice-pipeline/internal/pipeline"
	"github.com/skypro1111/voice-pipeline/internal/recorder"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSource connects on Start and never produces audio.
type stubSource struct {
	sink capture.Sink
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Start(ctx context.Context) error {
	s.sink.OnConnect(capture.DeviceInfo{Transport: "stub", Name: "test mic"})
	return nil
}

func (s *stubSource) Stop() error {
	s.sink.OnDisconnect()
	return nil
}

func (s *stubSource) Stats() capture.SourceStats {
	return capture.SourceStats{State: "streaming", Streaming: true}
}

// nullOutput accepts and drops every chunk.
type nullOutput struct{}

func (nullOutput) Write(p []byte, _ time.Duration) (int, error) { return len(p), nil }

func (nullOutput) Close() error { return nil }

type stubRecordings []recorder.Recording

func (s stubRecordings) Recordings() []recorder.Recording { return s }

func testPipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.RawFormat = audio.StreamFormat{SampleRate: 48000, Channels: 1, BitsPerSample: 16}
	cfg.PlaybackFormat = audio.StreamFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	cfg.RawBufferSize = 1024
	cfg.ProcessedBufferSize = 512
	cfg.PlaybackBufferSize = 4096
	cfg.PlaybackChunkSize = 512
	return cfg
}

type harness struct {
	server   *HTTPServer
	pipeline *pipeline.Pipeline
	registry *prometheus.Registry
}

func newHarness(t *testing.T, initialized bool, rec RecordingLister) *harness {
	t.Helper()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	p := pipeline.New(testPipelineConfig(), testLogger(), m)

	if initialized {
		err := p.Init(context.Background(), func(sink capture.Sink) (capture.Source, error) {
			return &stubSource{sink: sink}, nil
		}, nullOutput{})
		require.NoError(t, err)
		t.Cleanup(p.Deinit)
	}

	cfg := HTTPServerConfig{Port: 0, Address: "127.0.0.1", PlaybackTimeout: 50 * time.Millisecond}
	s := NewHTTPServer(cfg, testLogger(), config.Default(), p, rec, m, registry)

	return &harness{server: s, pipeline: p, registry: registry}
}

func (h *harness) do(t *testing.T, method, target string, body []byte) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	h := newHarness(t, true, nil)

	rec, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	components := body["components"].(map[string]interface{})
	pipe := components["pipeline"].(map[string]interface{})
	assert.Equal(t, "idle", pipe["state"])
	assert.Equal(t, h.pipeline.ID(), pipe["id"])
}

func TestHealthUninitialized(t *testing.T) {
	h := newHarness(t, false, nil)

	rec, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestControl(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		ops       []string
		wantCode  int
		wantState string
	}{
		{"play", http.MethodPost, []string{"play"}, http.StatusOK, "playing"},
		{"record while playing", http.MethodPost, []string{"play", "record/start"}, http.StatusOK, "duplex"},
		{"pause", http.MethodPost, []string{"play", "pause"}, http.StatusOK, "idle"},
		{"record stop", http.MethodPost, []string{"record/start", "record/stop"}, http.StatusOK, "idle"},
		{"unknown op", http.MethodPost, []string{"rewind"}, http.StatusNotFound, "idle"},
		{"wrong method", http.MethodGet, []string{"play"}, http.StatusMethodNotAllowed, "idle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, nil)

			var rec *httptest.ResponseRecorder
			for _, op := range tt.ops {
				rec, _ = h.do(t, tt.method, "/control/"+op, nil)
			}
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantState, h.pipeline.State().String())
		})
	}
}

func TestControlNotInitialized(t *testing.T) {
	h := newHarness(t, false, nil)

	rec, _ := h.do(t, http.MethodPost, "/control/play", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVolumeAndMute(t *testing.T) {
	h := newHarness(t, true, nil)

	rec, body := h.do(t, http.MethodPut, "/volume?level=150", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(100), body["volume"])

	rec, _ = h.do(t, http.MethodPut, "/volume?level=loud", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(t, http.MethodPut, "/mute?on=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["muted"])
	assert.True(t, h.pipeline.Muted())

	rec, _ = h.do(t, http.MethodDelete, "/mute", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVADThreshold(t *testing.T) {
	h := newHarness(t, true, nil)

	rec, body := h.do(t, http.MethodPut, "/vad/threshold?db=-30", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(-30), body["threshold_db"])
	assert.Equal(t, float32(-30), h.pipeline.VADThreshold())

	rec, _ = h.do(t, http.MethodPut, "/vad/threshold?db=6", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float32(-30), h.pipeline.VADThreshold())
}

func TestPlaybackRaw(t *testing.T) {
	h := newHarness(t, true, nil)

	rec, body := h.do(t, http.MethodPost, "/playback", make([]byte, 1024))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1024), body["queued"])
	assert.Equal(t, float64(32), body["duration_ms"])
	assert.Equal(t, 1024*100/4096, h.pipeline.Levels().Playback)
}

func TestPlaybackWAV(t *testing.T) {
	h := newHarness(t, true, nil)

	wav, err := audio.EncodeWAV(make([]byte, 640), h.pipeline.PlaybackFormat())
	require.NoError(t, err)
	rec, body := h.do(t, http.MethodPost, "/playback", wav)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(640), body["queued"])

	stereo := audio.StreamFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
	wav, err = audio.EncodeWAV(make([]byte, 640), stereo)
	require.NoError(t, err)
	rec, _ = h.do(t, http.MethodPost, "/playback", wav)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestPlaybackRejectsPartialFrames(t *testing.T) {
	h := newHarness(t, true, nil)

	rec, _ := h.do(t, http.MethodPost, "/playback", make([]byte, 3))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/playback", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaybackTimesOutWhenFull(t *testing.T) {
	h := newHarness(t, true, nil)

	// Idle never drains, so only capacity-1 bytes fit.
	rec, body := h.do(t, http.MethodPost, "/playback", make([]byte, 8192))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, float64(4095), body["queued"])
	assert.Equal(t, float64(8192), body["total"])
}

func TestCapture(t *testing.T) {
	h := newHarness(t, true, nil)

	h.pipeline.Ingest(make([]byte, 960))

	rec, _ := h.do(t, http.MethodGet, "/capture/processed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	pcm, format, err := audio.DecodeWAV(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, audio.ProcessedFormat(), format)
	assert.Len(t, pcm, 320)

	rec, _ = h.do(t, http.MethodGet, "/capture/raw", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-Audio-Duration-Ms"))

	// Both buffers are drained now.
	rec, _ = h.do(t, http.MethodGet, "/capture/raw", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/capture/left", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAndReset(t *testing.T) {
	h := newHarness(t, true, nil)

	h.pipeline.Ingest(make([]byte, 960))
	rec, body := h.do(t, http.MethodGet, "/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	stats := body["pipeline"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["ingested_chunks"])
	assert.Equal(t, true, body["capture"].(map[string]interface{})["streaming"])

	rec, body = h.do(t, http.MethodPost, "/stats/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["ingested_chunks"])
}

func TestRecordings(t *testing.T) {
	h := newHarness(t, true, nil)
	rec, _ := h.do(t, http.MethodGet, "/recordings", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h = newHarness(t, true, stubRecordings{{Stream: "raw", Path: "/tmp/raw.wav", Bytes: 4}})
	rec, body := h.do(t, http.MethodGet, "/recordings", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])
}

func TestRootAndNotFound(t *testing.T) {
	h := newHarness(t, true, nil)

	rec, body := h.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, serviceName, body["service"])
	assert.Contains(t, body["endpoints"], "POST /playback")

	rec, _ = h.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, true, nil)

	h.do(t, http.MethodGet, "/status", nil)
	h.do(t, http.MethodGet, "/nope", nil)

	rec, _ := h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `voice_pipeline_http_requests_total{endpoint="/status",method="GET",status_code="200"} 1`)
	assert.Contains(t, text, `voice_pipeline_http_errors_total{endpoint="/",error_type="client_error",method="GET"} 1`)
}
