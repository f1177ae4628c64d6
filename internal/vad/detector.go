package vad

import (
	"math"
	"sync"
	"time"
)

const (
	// SilenceFloorDB is reported for empty input.
	SilenceFloorDB float32 = -96.0
	// DefaultThresholdDB is the activity threshold used when none is configured.
	DefaultThresholdDB float32 = -40.0

	fullScale = 32767.0
)

// VoiceActivity is a snapshot of the detector state
type VoiceActivity struct {
	IsActive   bool      `json:"is_active"`
	EnergyDB   float32   `json:"energy_db"`
	DurationMs uint32    `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"` // Start of the current or last active run
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	TotalUpdates    uint64    `json:"total_updates"`
	ActiveUpdates   uint64    `json:"active_updates"`
	Activations     uint64    `json:"activations"`
	ActivePercent   float64   `json:"active_percentage"`
	ThresholdDB     float32   `json:"threshold_db"`
	LastProcessed   time.Time `json:"last_processed"`
	SubscriberCount int       `json:"subscribers"`
}

// Detector classifies audio blocks as active or quiet by RMS energy and
// tracks how long the current active run has lasted.
type Detector struct {
	threshold float32
	activity  VoiceActivity

	// Statistics
	totalUpdates  uint64
	activeUpdates uint64
	activations   uint64
	lastProcessed time.Time

	subscribers []chan VoiceActivity
	now         func() time.Time

	mu sync.RWMutex
}

// NewDetector creates a detector with the given threshold in dBFS.
func NewDetector(thresholdDB float32) *Detector {
	return &Detector{
		threshold: thresholdDB,
		activity:  VoiceActivity{EnergyDB: SilenceFloorDB},
		now:       time.Now,
	}
}

// EnergyDB returns the RMS level of samples in dB relative to full scale.
// RMS is floored at 1.0 so digital silence maps to about -90 dB; empty input
// returns SilenceFloorDB.
func EnergyDB(samples []int16) float32 {
	if len(samples) == 0 {
		return SilenceFloorDB
	}

	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1.0 {
		rms = 1.0
	}

	return float32(20 * math.Log10(rms/fullScale))
}

// Update classifies one block and returns the resulting snapshot.
func (d *Detector) Update(samples []int16) VoiceActivity {
	energy := EnergyDB(samples)
	now := d.now()

	d.mu.Lock()
	wasActive := d.activity.IsActive
	d.activity.EnergyDB = energy
	d.activity.IsActive = energy > d.threshold

	if d.activity.IsActive {
		if !wasActive {
			d.activity.StartedAt = now
			d.activity.DurationMs = 0
			d.activations++
		} else {
			d.activity.DurationMs = uint32(now.Sub(d.activity.StartedAt).Milliseconds())
		}
		d.activeUpdates++
	}

	d.totalUpdates++
	d.lastProcessed = now
	snapshot := d.activity

	var subs []chan VoiceActivity
	if wasActive != snapshot.IsActive {
		subs = d.subscribers
	}
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
		}
	}

	return snapshot
}

// Activity returns a copy of the current state.
func (d *Detector) Activity() VoiceActivity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activity
}

// IsActive reports whether the last block was above threshold.
func (d *Detector) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activity.IsActive
}

// SetThreshold changes the threshold without touching the activity state.
func (d *Detector) SetThreshold(thresholdDB float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = thresholdDB
}

// Threshold returns the current threshold in dBFS.
func (d *Detector) Threshold() float32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// Subscribe returns a channel that receives a snapshot on every quiet/active
// transition. Sends never block; a slow subscriber misses transitions.
func (d *Detector) Subscribe() <-chan VoiceActivity {
	ch := make(chan VoiceActivity, 8)

	d.mu.Lock()
	d.subscribers = append(d.subscribers, ch)
	d.mu.Unlock()

	return ch
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	activePercent := float64(0)
	if d.totalUpdates > 0 {
		activePercent = float64(d.activeUpdates) / float64(d.totalUpdates) * 100
	}

	return DetectorStats{
		TotalUpdates:    d.totalUpdates,
		ActiveUpdates:   d.activeUpdates,
		Activations:     d.activations,
		ActivePercent:   activePercent,
		ThresholdDB:     d.threshold,
		LastProcessed:   d.lastProcessed,
		SubscriberCount: len(d.subscribers),
	}
}

// Reset clears activity state and statistics. The threshold is kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.activity = VoiceActivity{EnergyDB: SilenceFloorDB}
	d.totalUpdates = 0
	d.activeUpdates = 0
	d.activations = 0
	d.lastProcessed = time.Time{}
}
