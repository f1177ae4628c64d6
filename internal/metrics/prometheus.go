package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture metrics
	IngestChunks       prometheus.Counter
	IngestBytes        prometheus.Counter
	RawOverruns        prometheus.Counter
	ProcessedOverruns  prometheus.Counter
	CaptureConnected   prometheus.Gauge
	CaptureConnects    prometheus.Counter
	CaptureDisconnects prometheus.Counter

	// Playback metrics
	PlaybackChunks      prometheus.Counter
	PlaybackUnderruns   prometheus.Counter
	PlaybackWriteErrors prometheus.Counter
	PlaybackWriteTime   prometheus.Histogram
	Volume              prometheus.Gauge
	Muted               prometheus.Gauge

	// Pipeline state
	State       prometheus.Gauge
	BufferLevel *prometheus.GaugeVec

	// VAD metrics
	VoiceActive      prometheus.Gauge
	VoiceEnergy      prometheus.Gauge
	VoiceActivations prometheus.Counter

	// Recorder metrics
	RecordedBytes *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		IngestChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_ingest_chunks_total",
			Help: "Total number of capture chunks ingested",
		}),
		IngestBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_ingest_bytes_total",
			Help: "Total number of native-format capture bytes ingested",
		}),
		RawOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_raw_overruns_total",
			Help: "Capture chunks dropped because the raw buffer was full",
		}),
		ProcessedOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_processed_overruns_total",
			Help: "Decimated chunks dropped because the processed buffer was full",
		}),
		CaptureConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_pipeline_capture_connected",
			Help: "1 while a capture device is connected",
		}),
		CaptureConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_capture_connects_total",
			Help: "Total number of capture device connections",
		}),
		CaptureDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_capture_disconnects_total",
			Help: "Total number of capture device disconnections",
		}),

		// Playback metrics
		PlaybackChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_playback_chunks_total",
			Help: "Total number of chunks fully written to the output device",
		}),
		PlaybackUnderruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_playback_underruns_total",
			Help: "Drain cycles that found less than one chunk buffered",
		}),
		PlaybackWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_playback_write_errors_total",
			Help: "Output device writes that failed or were short",
		}),
		PlaybackWriteTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_pipeline_playback_write_duration_seconds",
			Help:    "Time spent writing one chunk to the output device",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
		}),
		Volume: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_pipeline_volume_percent",
			Help: "Current software playback volume",
		}),
		Muted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_pipeline_muted",
			Help: "1 while playback is muted",
		}),

		// Pipeline state
		State: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_pipeline_state",
			Help: "Pipeline state (0=uninitialized 1=idle 2=playing 3=recording 4=duplex 5=error)",
		}),
		BufferLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voice_pipeline_buffer_level_percent",
			Help: "Ring buffer fill level",
		}, []string{"buffer"}),

		// VAD metrics
		VoiceActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_pipeline_voice_active",
			Help: "1 while voice activity is detected",
		}),
		VoiceEnergy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_pipeline_voice_energy_dbfs",
			Help: "Energy of the last processed block in dBFS",
		}),
		VoiceActivations: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_voice_activations_total",
			Help: "Total number of quiet to active transitions",
		}),

		// Recorder metrics
		RecordedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_pipeline_recorded_bytes_total",
			Help: "Bytes written to WAV recordings",
		}, []string{"stream"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_pipeline_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_pipeline_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_pipeline_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordIngest records one ingested capture chunk
func (m *Metrics) RecordIngest(bytes int) {
	if m == nil {
		return
	}
	m.IngestChunks.Inc()
	m.IngestBytes.Add(float64(bytes))
}

// RecordRawOverrun increments the raw overrun counter
func (m *Metrics) RecordRawOverrun() {
	if m == nil {
		return
	}
	m.RawOverruns.Inc()
}

// RecordProcessedOverrun increments the processed overrun counter
func (m *Metrics) RecordProcessedOverrun() {
	if m == nil {
		return
	}
	m.ProcessedOverruns.Inc()
}

// RecordCaptureConnection records a device connect or disconnect
func (m *Metrics) RecordCaptureConnection(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.CaptureConnects.Inc()
		m.CaptureConnected.Set(1)
	} else {
		m.CaptureDisconnects.Inc()
		m.CaptureConnected.Set(0)
	}
}

// RecordPlaybackChunk records one output device write and whether it completed
func (m *Metrics) RecordPlaybackChunk(durationSeconds float64, ok bool) {
	if m == nil {
		return
	}
	m.PlaybackWriteTime.Observe(durationSeconds)
	if ok {
		m.PlaybackChunks.Inc()
	} else {
		m.PlaybackWriteErrors.Inc()
	}
}

// RecordUnderrun increments the playback underrun counter
func (m *Metrics) RecordUnderrun() {
	if m == nil {
		return
	}
	m.PlaybackUnderruns.Inc()
}

// SetVolume sets the volume and mute gauges
func (m *Metrics) SetVolume(volume uint8, muted bool) {
	if m == nil {
		return
	}
	m.Volume.Set(float64(volume))
	if muted {
		m.Muted.Set(1)
	} else {
		m.Muted.Set(0)
	}
}

// SetState sets the pipeline state gauge
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}

// SetBufferLevels sets the fill level of each ring buffer
func (m *Metrics) SetBufferLevels(raw, processed, playback int) {
	if m == nil {
		return
	}
	m.BufferLevel.WithLabelValues("raw").Set(float64(raw))
	m.BufferLevel.WithLabelValues("processed").Set(float64(processed))
	m.BufferLevel.WithLabelValues("playback").Set(float64(playback))
}

// RecordVoiceActivity records the result of one VAD update
func (m *Metrics) RecordVoiceActivity(active bool, energyDB float32, activated bool) {
	if m == nil {
		return
	}
	if active {
		m.VoiceActive.Set(1)
	} else {
		m.VoiceActive.Set(0)
	}
	m.VoiceEnergy.Set(float64(energyDB))
	if activated {
		m.VoiceActivations.Inc()
	}
}

// RecordRecorded adds bytes written to a recording
func (m *Metrics) RecordRecorded(stream string, bytes int) {
	if m == nil {
		return
	}
	m.RecordedBytes.WithLabelValues(stream).Add(float64(bytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
