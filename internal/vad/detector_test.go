package vad

import (
	"math"
	"testing"
	"time"
)

// fakeClock advances only when told to.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(threshold float32) (*Detector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := NewDetector(threshold)
	d.now = clock.Now
	return d, clock
}

// constantBlock returns n samples whose RMS sits at the given dBFS level.
func constantBlock(n int, db float64) []int16 {
	v := int16(math.Round(fullScale * math.Pow(10, db/20)))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = v
	}
	return samples
}

func TestEnergyDB(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float32
		delta    float64
	}{
		{"empty", nil, -96.0, 0},
		{"digital silence floors rms at 1", make([]int16, 160), float32(20 * math.Log10(1.0/32767)), 0.001},
		{"full scale", []int16{32767, -32767}, 0, 0.001},
		{"minus 20 dB", constantBlock(160, -20), -20, 0.01},
		{"minus 40 dB", constantBlock(160, -40), -40, 0.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EnergyDB(tt.samples)
			if math.Abs(float64(got-tt.expected)) > tt.delta {
				t.Errorf("Expected %.3f dB, got %.3f dB", tt.expected, got)
			}
		})
	}
}

func TestDetectorHysteresis(t *testing.T) {
	d, clock := newTestDetector(-40)
	loud := constantBlock(160, -20)
	quiet := constantBlock(160, -60)

	first := d.Update(loud)
	if !first.IsActive {
		t.Fatal("Expected detector to become active")
	}
	if first.DurationMs != 0 {
		t.Errorf("Expected duration 0 on first active block, got %d", first.DurationMs)
	}

	last := first.DurationMs
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Millisecond)
		a := d.Update(loud)
		if !a.IsActive {
			t.Fatalf("Block %d: expected active", i)
		}
		if a.DurationMs <= last {
			t.Errorf("Block %d: duration did not increase (%d -> %d)", i, last, a.DurationMs)
		}
		last = a.DurationMs
	}
	if last != 50 {
		t.Errorf("Expected 50ms after five 10ms steps, got %d", last)
	}

	clock.Advance(10 * time.Millisecond)
	q := d.Update(quiet)
	if q.IsActive {
		t.Error("Expected detector to go quiet")
	}
	if q.DurationMs != last {
		t.Errorf("Expected duration to stop at %d, got %d", last, q.DurationMs)
	}

	// A new run starts from zero.
	clock.Advance(time.Second)
	again := d.Update(loud)
	if again.DurationMs != 0 {
		t.Errorf("Expected duration reset on new activation, got %d", again.DurationMs)
	}
	if got := d.GetStats().Activations; got != 2 {
		t.Errorf("Expected 2 activations, got %d", got)
	}
}

func TestDetectorThresholdChangeKeepsState(t *testing.T) {
	d, clock := newTestDetector(-40)
	loud := constantBlock(160, -20)

	d.Update(loud)
	clock.Advance(30 * time.Millisecond)

	d.SetThreshold(-30)
	if d.Threshold() != -30 {
		t.Errorf("Expected threshold -30, got %f", d.Threshold())
	}

	a := d.Update(loud)
	if !a.IsActive || a.DurationMs != 30 {
		t.Errorf("Expected active run to continue at 30ms, got %+v", a)
	}

	// Raising the threshold above the signal ends the run on the next block.
	d.SetThreshold(-10)
	if d.Update(loud).IsActive {
		t.Error("Expected inactive above signal level")
	}
}

func TestDetectorEmptyBlockIsSilence(t *testing.T) {
	d, _ := newTestDetector(-40)
	a := d.Update(nil)
	if a.IsActive {
		t.Error("Expected empty block to be inactive")
	}
	if a.EnergyDB != SilenceFloorDB {
		t.Errorf("Expected %f dB, got %f", SilenceFloorDB, a.EnergyDB)
	}
}

func TestDetectorSubscribe(t *testing.T) {
	d, _ := newTestDetector(-40)
	ch := d.Subscribe()

	d.Update(constantBlock(160, -20))
	d.Update(constantBlock(160, -20))
	d.Update(constantBlock(160, -70))

	select {
	case a := <-ch:
		if !a.IsActive {
			t.Error("Expected first notification to be activation")
		}
	default:
		t.Fatal("Expected activation notification")
	}

	select {
	case a := <-ch:
		if a.IsActive {
			t.Error("Expected second notification to be deactivation")
		}
	default:
		t.Fatal("Expected deactivation notification")
	}

	select {
	case a := <-ch:
		t.Errorf("Unexpected extra notification %+v", a)
	default:
	}
}

func TestDetectorReset(t *testing.T) {
	d, _ := newTestDetector(-35)
	d.Update(constantBlock(160, -20))
	d.Reset()

	if d.IsActive() {
		t.Error("Expected inactive after reset")
	}
	stats := d.GetStats()
	if stats.TotalUpdates != 0 || stats.Activations != 0 {
		t.Errorf("Expected cleared stats, got %+v", stats)
	}
	if stats.ThresholdDB != -35 {
		t.Errorf("Expected threshold kept at -35, got %f", stats.ThresholdDB)
	}
}
