package audio

import (
	"errors"
	"math"
	"testing"
)

func TestDecimateStereoMix(t *testing.T) {
	tests := []struct {
		name     string
		left     int16
		right    int16
		expected int16
	}{
		{"average", 100, 200, 150},
		{"truncates toward zero (negative)", -3, 0, -1},
		{"truncates toward zero (positive)", 3, 0, 1},
		{"full scale", 32767, 32767, 32767},
		{"negative full scale", -32768, -32768, -32768},
		{"opposite", 32767, -32768, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := 0
			out := make([]int16, 1)
			n := Decimate([]int16{tt.left, tt.right}, 2, 1, &state, out)
			if n != 1 {
				t.Fatalf("Expected 1 sample, got %d", n)
			}
			if out[0] != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, out[0])
			}
		})
	}
}

func TestDecimateMonoPassThrough(t *testing.T) {
	state := 0
	in := []int16{1, 2, 3, 4, 5, 6, 7, 8, 9}
	out := make([]int16, 3)

	n := Decimate(in, 1, 3, &state, out)
	if n != 3 {
		t.Fatalf("Expected 3 samples, got %d", n)
	}
	// Every third frame is emitted, starting with the third.
	expected := []int16{3, 6, 9}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, expected[i], out[i])
		}
	}
	if state != 0 {
		t.Errorf("Expected state 0, got %d", state)
	}
}

func TestDecimateCarriesState(t *testing.T) {
	state := 0
	out := make([]int16, 4)

	if n := Decimate([]int16{1, 2}, 1, 3, &state, out); n != 0 {
		t.Errorf("Expected no output yet, got %d", n)
	}
	if state != 2 {
		t.Errorf("Expected state 2, got %d", state)
	}
	n := Decimate([]int16{3, 4}, 1, 3, &state, out)
	if n != 1 || out[0] != 3 {
		t.Errorf("Expected [3], got %v", out[:n])
	}
}

func TestDecimationChunkingDeterminism(t *testing.T) {
	const total = 48000
	tone := make([]int16, total)
	for i := range tone {
		tone[i] = int16(10000 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}

	decimateInChunks := func(chunk int) []int16 {
		d, err := NewDecimator(1, 3)
		if err != nil {
			t.Fatalf("NewDecimator failed: %v", err)
		}
		var result []int16
		for off := 0; off < total; off += chunk {
			end := off + chunk
			if end > total {
				end = total
			}
			out := make([]int16, d.OutputLen(end-off))
			n := d.Process(tone[off:end], out)
			result = append(result, out[:n]...)
		}
		return result
	}

	a := decimateInChunks(100)
	b := decimateInChunks(333)

	if len(a) != total/3 {
		t.Fatalf("Expected %d samples, got %d", total/3, len(a))
	}
	if len(a) != len(b) {
		t.Fatalf("Length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Sample %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestDecimatorReset(t *testing.T) {
	d, _ := NewDecimator(1, 2)
	out := make([]int16, 2)
	d.Process([]int16{1}, out)
	d.Reset()

	n := d.Process([]int16{5, 6}, out)
	if n != 1 || out[0] != 6 {
		t.Errorf("Expected [6] after reset, got %v", out[:n])
	}
}

func TestNewDecimatorValidation(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		ratio    int
		target   error
	}{
		{"three channels", 3, 3, ErrInvalidChannels},
		{"zero channels", 0, 3, ErrInvalidChannels},
		{"zero ratio", 1, 0, ErrInvalidRatio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecimator(tt.channels, tt.ratio)
			if !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestStreamFormatDecimationRatio(t *testing.T) {
	tests := []struct {
		name      string
		rate      int
		expected  int
		expectErr bool
	}{
		{"48k", 48000, 3, false},
		{"16k", 16000, 1, false},
		{"32k", 32000, 2, false},
		{"44.1k", 44100, 0, true},
		{"8k", 8000, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := StreamFormat{SampleRate: tt.rate, Channels: 2, BitsPerSample: 16}
			ratio, err := f.DecimationRatio(ProcessedFormat())
			if tt.expectErr {
				if !errors.Is(err, ErrInvalidRatio) {
					t.Errorf("Expected ErrInvalidRatio, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if ratio != tt.expected {
				t.Errorf("Expected ratio %d, got %d", tt.expected, ratio)
			}
		})
	}
}
