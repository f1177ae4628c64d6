package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-pipeline/internal/audio"
	"github.com/skypro1111/voice-pipeline/internal/capture"
	"github.com/skypro1111/voice-pipeline/internal/config"
	"github.com/skypro1111/voice-pipeline/internal/metrics"
	"github.com/skypro1111/voice-pipeline/internal/pipeline"
	"github.com/skypro1111/voice-pipeline/internal/recorder"
	"github.com/skypro1111/voice-pipeline/internal/vad"
)

const (
	serviceName    = "voice-pipeline"
	serviceVersion = "1.0.0"

	playbackRetryInterval = 5 * time.Millisecond
	playbackWriteTimeout  = 10 * time.Millisecond
	captureReadTimeout    = 10 * time.Millisecond
	captureReadSize       = 4096
)

// Pipeline is the part of the audio pipeline the API exposes
type Pipeline interface {
	ID() string
	State() pipeline.State
	Play() error
	Stop() error
	Pause() error
	Resume() error
	RecordStart() error
	RecordStop() error

	SetVolume(volume int)
	Volume() uint8
	SetMute(muted bool)
	Muted() bool

	VoiceActivity() vad.VoiceActivity
	SetVADThreshold(db float32)
	VADThreshold() float32
	VADStats() vad.DetectorStats

	Levels() pipeline.BufferLevels
	Stats() pipeline.Statistics
	ResetStats()

	RawFormat() audio.StreamFormat
	ProcessedFormat() audio.StreamFormat
	PlaybackFormat() audio.StreamFormat
	DeviceInfo() (capture.DeviceInfo, bool)
	SourceStats() (capture.SourceStats, bool)

	WritePlayback(buf []byte, timeout time.Duration) int
	ReadRaw(buf []byte, timeout time.Duration) int
	ReadProcessed(buf []byte, timeout time.Duration) int
}

// RecordingLister lists WAV recordings
type RecordingLister interface {
	Recordings() []recorder.Recording
}

// HTTPServer provides HTTP API endpoints for monitoring and control
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	pipeline Pipeline
	recorder RecordingLister
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	playbackTimeout  time.Duration
	maxPlaybackBytes int64

	// Server state
	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port             int
	Address          string
	PlaybackTimeout  time.Duration
	MaxPlaybackBytes int64
}

// NewHTTPServer creates a new HTTP API server. rec and gatherer may be nil;
// a nil gatherer serves the default Prometheus registry.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	p Pipeline, rec RecordingLister, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if cfg.PlaybackTimeout <= 0 {
		cfg.PlaybackTimeout = 5 * time.Second
	}
	if cfg.MaxPlaybackBytes <= 0 {
		cfg.MaxPlaybackBytes = 16 << 20
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:           logger,
		config:           appConfig,
		pipeline:         p,
		recorder:         rec,
		metrics:          m,
		gatherer:         gatherer,
		playbackTimeout:  cfg.PlaybackTimeout,
		maxPlaybackBytes: cfg.MaxPlaybackBytes,
		startTime:        time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.PlaybackTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health and status
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))
	mux.HandleFunc("/voice", h.withMetrics("/voice", h.handleVoice))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/reset", h.withMetrics("/stats/reset", h.handleStatsReset))

	// Control
	mux.HandleFunc("/control/", h.withMetrics("/control/{op}", h.handleControl))
	mux.HandleFunc("/volume", h.withMetrics("/volume", h.handleVolume))
	mux.HandleFunc("/mute", h.withMetrics("/mute", h.handleMute))
	mux.HandleFunc("/vad/threshold", h.withMetrics("/vad/threshold", h.handleVADThreshold))

	// Audio
	mux.HandleFunc("/playback", h.withMetrics("/playback", h.handlePlayback))
	mux.HandleFunc("/capture/", h.withMetrics("/capture/{stream}", h.handleCapture))
	mux.HandleFunc("/recordings", h.withMetrics("/recordings", h.handleRecordings))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the route multiplexer.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := h.pipeline.State()
	_, connected := h.pipeline.DeviceInfo()
	sourceStats, _ := h.pipeline.SourceStats()

	status := "healthy"
	code := http.StatusOK
	switch {
	case state == pipeline.StateError || state == pipeline.StateUninitialized:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !connected:
		status = "degraded"
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"pipeline": map[string]interface{}{
				"id":    h.pipeline.ID(),
				"state": state,
			},
			"capture": map[string]interface{}{
				"connected": connected,
				"state":     sourceStats.State,
				"streaming": sourceStats.Streaming,
			},
		},
	}

	writeJSON(w, code, health)
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var device interface{}
	if info, connected := h.pipeline.DeviceInfo(); connected {
		device = info
	}

	status := map[string]interface{}{
		"state":          h.pipeline.State(),
		"volume":         h.pipeline.Volume(),
		"muted":          h.pipeline.Muted(),
		"buffer_levels":  h.pipeline.Levels(),
		"voice_activity": h.pipeline.VoiceActivity(),
		"vad_threshold":  h.pipeline.VADThreshold(),
		"formats": map[string]interface{}{
			"raw":       h.pipeline.RawFormat(),
			"processed": h.pipeline.ProcessedFormat(),
			"playback":  h.pipeline.PlaybackFormat(),
		},
		"device":    device,
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, status)
}

// handleVoice implements the /voice endpoint
func (h *HTTPServer) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.pipeline.VoiceActivity())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.config)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sourceStats, _ := h.pipeline.SourceStats()
	stats := map[string]interface{}{
		"uptime":        time.Since(h.startTime).String(),
		"timestamp":     time.Now().UTC(),
		"pipeline":      h.pipeline.Stats(),
		"capture":       sourceStats,
		"vad":           h.pipeline.VADStats(),
		"buffer_levels": h.pipeline.Levels(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleStatsReset implements the /stats/reset endpoint
func (h *HTTPServer) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.pipeline.ResetStats()
	writeJSON(w, http.StatusOK, h.pipeline.Stats())
}

// handleControl implements the /control/{op} endpoints
func (h *HTTPServer) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ops := map[string]func() error{
		"play":         h.pipeline.Play,
		"stop":         h.pipeline.Stop,
		"pause":        h.pipeline.Pause,
		"resume":       h.pipeline.Resume,
		"record/start": h.pipeline.RecordStart,
		"record/stop":  h.pipeline.RecordStop,
	}

	op := r.URL.Path[len("/control/"):]
	action, ok := ops[op]
	if !ok {
		http.Error(w, "Unknown control operation", http.StatusNotFound)
		return
	}

	if err := action(); err != nil {
		if errors.Is(err, pipeline.ErrNotInitialized) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	state := h.pipeline.State()
	h.logger.Info("Control operation applied",
		slog.String("op", op),
		slog.String("state", state.String()),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}

// handleVolume implements the /volume endpoint
func (h *HTTPServer) handleVolume(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		level, err := strconv.Atoi(r.URL.Query().Get("level"))
		if err != nil {
			http.Error(w, "Invalid level", http.StatusBadRequest)
			return
		}
		h.pipeline.SetVolume(level)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"volume": h.pipeline.Volume()})
}

// handleMute implements the /mute endpoint
func (h *HTTPServer) handleMute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		on, err := strconv.ParseBool(r.URL.Query().Get("on"))
		if err != nil {
			http.Error(w, "Invalid mute flag", http.StatusBadRequest)
			return
		}
		h.pipeline.SetMute(on)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"muted": h.pipeline.Muted()})
}

// handleVADThreshold implements the /vad/threshold endpoint
func (h *HTTPServer) handleVADThreshold(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		db, err := strconv.ParseFloat(r.URL.Query().Get("db"), 32)
		if err != nil || db > 0 || db < float64(vad.SilenceFloorDB) {
			http.Error(w, "Invalid threshold, expected dBFS between -96 and 0", http.StatusBadRequest)
			return
		}
		h.pipeline.SetVADThreshold(float32(db))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"threshold_db": h.pipeline.VADThreshold()})
}

// handlePlayback implements the /playback endpoint. The body is a WAV file
// or raw little-endian PCM in the playback format.
func (h *HTTPServer) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPlaybackBytes))
	if err != nil {
		http.Error(w, "Failed to read body: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	pcm := body
	format := h.pipeline.PlaybackFormat()
	if bytes.HasPrefix(body, []byte("RIFF")) || r.Header.Get("Content-Type") == "audio/wav" {
		var wavFormat audio.StreamFormat
		pcm, wavFormat, err = audio.DecodeWAV(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if wavFormat != format {
			http.Error(w, fmt.Sprintf("WAV format %s does not match playback format %s", wavFormat, format),
				http.StatusUnsupportedMediaType)
			return
		}
	}

	if len(pcm) == 0 || len(pcm)%format.FrameBytes() != 0 {
		http.Error(w, fmt.Sprintf("PCM length must be a positive multiple of %d bytes", format.FrameBytes()),
			http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.playbackTimeout)
	defer cancel()
	queued := h.queuePlayback(ctx, pcm)

	response := map[string]interface{}{
		"queued":      queued,
		"total":       len(pcm),
		"duration_ms": format.Duration(len(pcm)).Milliseconds(),
		"state":       h.pipeline.State(),
	}
	if queued < len(pcm) {
		h.logger.Warn("Playback request timed out",
			slog.Int("queued", queued),
			slog.Int("total", len(pcm)),
		)
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// queuePlayback writes pcm into the playback buffer, retrying partial writes
// until everything is queued or ctx ends.
func (h *HTTPServer) queuePlayback(ctx context.Context, pcm []byte) int {
	queued := 0
	for {
		queued += h.pipeline.WritePlayback(pcm[queued:], playbackWriteTimeout)
		if queued == len(pcm) {
			return queued
		}

		select {
		case <-ctx.Done():
			return queued
		case <-time.After(playbackRetryInterval):
		}
	}
}

// handleCapture implements the /capture/{raw|processed} endpoints. It drains
// whatever the stream's buffer holds and returns it as a WAV file.
func (h *HTTPServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		read   func([]byte, time.Duration) int
		format audio.StreamFormat
	)
	stream := r.URL.Path[len("/capture/"):]
	switch stream {
	case "raw":
		read, format = h.pipeline.ReadRaw, h.pipeline.RawFormat()
	case "processed":
		read, format = h.pipeline.ReadProcessed, h.pipeline.ProcessedFormat()
	default:
		http.Error(w, "Unknown capture stream", http.StatusNotFound)
		return
	}

	var pcm []byte
	buf := make([]byte, captureReadSize)
	for int64(len(pcm)) < h.maxPlaybackBytes {
		n := read(buf, captureReadTimeout)
		if n == 0 {
			break
		}
		pcm = append(pcm, buf[:n]...)
	}
	if len(pcm) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	wav, err := audio.EncodeWAV(pcm, format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Audio-Duration-Ms", strconv.FormatInt(format.Duration(len(pcm)).Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(wav)
}

// handleRecordings implements the /recordings endpoint
func (h *HTTPServer) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.recorder == nil {
		http.Error(w, "Recorder disabled", http.StatusNotFound)
		return
	}

	recordings := h.recorder.Recordings()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":      len(recordings),
		"recordings": recordings,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                       "API documentation",
			"GET /health":                 "Service health check",
			"GET /status":                 "Pipeline state, levels, and device",
			"GET /voice":                  "Voice activity snapshot",
			"GET /config":                 "Service configuration",
			"GET /stats":                  "Pipeline, capture, and VAD statistics",
			"POST /stats/reset":           "Reset pipeline statistics",
			"POST /control/{op}":          "play, stop, pause, resume, record/start, record/stop",
			"GET|PUT /volume?level=N":     "Playback volume (0-100)",
			"GET|PUT /mute?on=bool":       "Playback mute",
			"GET|PUT /vad/threshold?db=N": "Voice activity threshold in dBFS",
			"POST /playback":              "Queue WAV or raw PCM for playback",
			"GET /capture/{stream}":       "Drain buffered raw or processed audio as WAV",
			"GET /recordings":             "List WAV recordings",
			"GET /metrics":                "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
