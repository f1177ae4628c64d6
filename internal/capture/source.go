package capture

import (
	"context"
	"errors"
	"time"

	"github.com/skypro1111/voice-pipeline/internal/audio"
)

var (
	// ErrReadTimeout is returned by a Reader when no data arrived in time.
	// The capture loop treats it as a normal condition.
	ErrReadTimeout = errors.New("capture read timeout")
	// ErrAlreadyStarted is returned by Start on a running source.
	ErrAlreadyStarted = errors.New("capture source already started")
	// ErrStopTimeout is returned by Stop when capture did not wind down within the grace period.
	ErrStopTimeout = errors.New("capture source did not stop within grace period")
)

// Sink receives captured audio. It is implemented by the pipeline.
type Sink interface {
	// Ingest consumes one chunk of native-format PCM. The slice is only valid
	// for the duration of the call. Chunks may split a frame.
	Ingest(p []byte)
	OnConnect(info DeviceInfo)
	OnDisconnect()
}

// Source is a capture transport that pushes chunks into a Sink.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Stats() SourceStats
}

// DeviceInfo identifies the capture device and the format it delivers.
type DeviceInfo struct {
	Transport   string             `json:"transport"`
	Name        string             `json:"name"`
	VendorID    uint16             `json:"vendor_id,omitempty"`
	ProductID   uint16             `json:"product_id,omitempty"`
	Format      audio.StreamFormat `json:"format"`
	Enhanced    bool               `json:"enhanced"`
	SessionID   string             `json:"session_id"`
	ConnectedAt time.Time          `json:"connected_at"`
}

// SourceStats represents capture source counters
type SourceStats struct {
	Chunks     uint64 `json:"chunks"`
	Bytes      uint64 `json:"bytes"`
	Timeouts   uint64 `json:"timeouts"`
	ReadErrors uint64 `json:"read_errors"`
	Dropped    uint64 `json:"dropped"`
	Streaming  bool   `json:"streaming"`
	State      string `json:"state"`
}
