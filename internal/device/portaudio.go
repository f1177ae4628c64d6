package device

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/skypro1111/voice-pipeline/internal/audio"
	"github.com/skypro1111/voice-pipeline/internal/capture"
)

// pollInterval is how often a reader checks for buffered input.
const pollInterval = time.Millisecond

// PortAudioReader reads fixed-size frames from the default input device.
// It implements capture.Reader.
type PortAudioReader struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
	frames int
	closed bool
}

// OpenPortAudio opens and starts the default input device at format with
// frames samples per read.
func OpenPortAudio(format audio.StreamFormat, frames int) (*PortAudioReader, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	buffer := make([]int16, frames*format.Channels)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), frames, buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}

	return &PortAudioReader{stream: stream, buffer: buffer, frames: frames}, nil
}

// Read waits up to timeout for one frame buffer and copies it into p as
// little-endian PCM.
func (r *PortAudioReader) Read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return 0, fmt.Errorf("portaudio reader closed")
		}
		available, err := r.stream.AvailableToRead()
		r.mu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("failed to poll input stream: %w", err)
		}
		if available >= r.frames {
			break
		}
		if time.Now().After(deadline) {
			return 0, capture.ErrReadTimeout
		}
		time.Sleep(pollInterval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fmt.Errorf("portaudio reader closed")
	}
	if err := r.stream.Read(); err != nil && err != portaudio.InputOverflowed {
		return 0, fmt.Errorf("failed to read input stream: %w", err)
	}

	n := 0
	for _, s := range r.buffer {
		if n+2 > len(p) {
			break
		}
		binary.LittleEndian.PutUint16(p[n:], uint16(s))
		n += 2
	}
	return n, nil
}

// Close stops the stream and releases PortAudio.
func (r *PortAudioReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if err := r.stream.Stop(); err != nil {
		r.stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to stop input stream: %w", err)
	}
	if err := r.stream.Close(); err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to close input stream: %w", err)
	}
	return portaudio.Terminate()
}

var _ capture.Reader = (*PortAudioReader)(nil)
