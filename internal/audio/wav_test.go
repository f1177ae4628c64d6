package audio

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeDecodeWAV(t *testing.T) {
	format := StreamFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

	samples := make([]int16, 960)
	for i := range samples {
		samples[i] = int16(16383 * math.Sin(2*math.Pi*440*float64(i/2)/48000))
	}
	pcm := SamplesToBytes(samples)

	wavData, err := EncodeWAV(pcm, format)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(wavData) != 44+len(pcm) {
		t.Errorf("Expected WAV size %d, got %d", 44+len(pcm), len(wavData))
	}

	decoded, decodedFormat, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if decodedFormat != format {
		t.Errorf("Expected format %v, got %v", format, decodedFormat)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Error("Decoded PCM does not match input")
	}

	if got := decodedFormat.Duration(len(decoded)); got != 10*time.Millisecond {
		t.Errorf("Expected duration 10ms, got %v", got)
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	if _, err := EncodeWAV(nil, ProcessedFormat()); err == nil {
		t.Error("Expected error for empty audio")
	}
	if _, err := EncodeWAV([]byte{0, 0}, StreamFormat{SampleRate: 16000, Channels: 3, BitsPerSample: 16}); err == nil {
		t.Error("Expected error for 3 channels")
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	valid, _ := EncodeWAV([]byte{1, 0, 2, 0}, ProcessedFormat())

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"too short", func(b []byte) []byte { return b[:20] }},
		{"bad riff", func(b []byte) []byte { copy(b[0:4], "RIFX"); return b }},
		{"bad wave", func(b []byte) []byte { copy(b[8:12], "AVI "); return b }},
		{"bad data chunk", func(b []byte) []byte { copy(b[36:40], "LIST"); return b }},
		{"not pcm", func(b []byte) []byte { b[20] = 3; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), valid...))
			if _, _, err := DecodeWAV(data); err == nil {
				t.Error("Expected decode error")
			}
		})
	}
}

func TestWAVWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	ww, err := NewWAVWriter(f, ProcessedFormat())
	if err != nil {
		t.Fatalf("NewWAVWriter failed: %v", err)
	}

	chunk := SamplesToBytes([]int16{1, 2, 3, 4})
	for i := 0; i < 3; i++ {
		if _, err := ww.Write(chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if ww.DataSize() != uint32(3*len(chunk)) {
		t.Errorf("Expected data size %d, got %d", 3*len(chunk), ww.DataSize())
	}
	if err := ww.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := ww.Write(chunk); err == nil {
		t.Error("Expected error writing after close")
	}
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	pcm, format, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if format != ProcessedFormat() {
		t.Errorf("Expected processed format, got %v", format)
	}
	if len(pcm) != 3*len(chunk) {
		t.Errorf("Expected %d PCM bytes, got %d", 3*len(chunk), len(pcm))
	}
}
