package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordIngest(300)
	m.RecordIngest(300)
	m.RecordRawOverrun()
	m.RecordUnderrun()
	m.RecordUnderrun()
	m.SetBufferLevels(10, 20, 30)
	m.RecordVoiceActivity(true, -20, true)
	m.RecordCaptureConnection(true)

	if got := testutil.ToFloat64(m.IngestBytes); got != 600 {
		t.Errorf("Expected 600 ingest bytes, got %f", got)
	}
	if got := testutil.ToFloat64(m.RawOverruns); got != 1 {
		t.Errorf("Expected 1 raw overrun, got %f", got)
	}
	if got := testutil.ToFloat64(m.PlaybackUnderruns); got != 2 {
		t.Errorf("Expected 2 underruns, got %f", got)
	}
	if got := testutil.ToFloat64(m.BufferLevel.WithLabelValues("processed")); got != 20 {
		t.Errorf("Expected processed level 20, got %f", got)
	}
	if got := testutil.ToFloat64(m.VoiceActivations); got != 1 {
		t.Errorf("Expected 1 activation, got %f", got)
	}
	if got := testutil.ToFloat64(m.CaptureConnected); got != 1 {
		t.Errorf("Expected connected gauge 1, got %f", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordIngest(1)
	m.RecordRawOverrun()
	m.RecordProcessedOverrun()
	m.RecordUnderrun()
	m.RecordPlaybackChunk(0.001, true)
	m.SetVolume(70, false)
	m.SetState(1)
	m.SetBufferLevels(1, 2, 3)
	m.RecordVoiceActivity(false, -96, false)
	m.RecordRecorded("raw", 10)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.RecordHTTPError("GET", "/health", "client_error")
}

func TestNewMetricsSeparateRegistries(t *testing.T) {
	// Separate registries must not collide on metric names.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
