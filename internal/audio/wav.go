package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const wavHeaderSize = 44

// WAVHeader represents the header structure of a canonical PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(format StreamFormat, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.BytesPerSecond()),
		BlockAlign:    uint16(format.FrameBytes()),
		BitsPerSample: uint16(format.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV wraps little-endian PCM bytes in a WAV container.
func EncodeWAV(pcm []byte, format StreamFormat) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid format: %w", err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, newWAVHeader(format, uint32(len(pcm)))); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// DecodeWAV returns the PCM payload and format of a 16-bit PCM WAV file.
func DecodeWAV(data []byte) ([]byte, StreamFormat, error) {
	if len(data) < wavHeaderSize {
		return nil, StreamFormat{}, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, StreamFormat{}, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if string(header.ChunkID[:]) != "RIFF" {
		return nil, StreamFormat{}, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(header.Format[:]) != "WAVE" {
		return nil, StreamFormat{}, fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(header.Subchunk1ID[:]) != "fmt " {
		return nil, StreamFormat{}, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(header.Subchunk2ID[:]) != "data" {
		return nil, StreamFormat{}, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if header.AudioFormat != 1 {
		return nil, StreamFormat{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	format := StreamFormat{
		SampleRate:    int(header.SampleRate),
		Channels:      int(header.NumChannels),
		BitsPerSample: int(header.BitsPerSample),
	}
	if err := format.Validate(); err != nil {
		return nil, StreamFormat{}, fmt.Errorf("unsupported WAV format: %w", err)
	}

	end := wavHeaderSize + int(header.Subchunk2Size)
	if end > len(data) {
		// Streaming writers that never finalized leave a short or zero size.
		end = len(data)
	}

	return data[wavHeaderSize:end], format, nil
}

// WAVWriter streams PCM into a WAV file and patches the sizes on Close.
type WAVWriter struct {
	w        io.WriteSeeker
	format   StreamFormat
	dataSize uint32
	closed   bool
}

// NewWAVWriter writes a provisional header to w.
func NewWAVWriter(w io.WriteSeeker, format StreamFormat) (*WAVWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid format: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(format, 0)); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &WAVWriter{w: w, format: format}, nil
}

// Write appends PCM bytes.
func (ww *WAVWriter) Write(p []byte) (int, error) {
	if ww.closed {
		return 0, fmt.Errorf("write to closed WAV writer")
	}
	n, err := ww.w.Write(p)
	ww.dataSize += uint32(n)
	return n, err
}

// DataSize returns the number of PCM bytes written so far.
func (ww *WAVWriter) DataSize() uint32 {
	return ww.dataSize
}

// Close rewrites the header with the final sizes. It does not close the
// underlying writer.
func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true

	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to WAV header: %w", err)
	}
	if err := binary.Write(ww.w, binary.LittleEndian, newWAVHeader(ww.format, ww.dataSize)); err != nil {
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}
	if _, err := ww.w.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end of WAV data: %w", err)
	}
	return nil
}
