package audio

import (
	"fmt"
)

// RingBuffer is a fixed-capacity circular byte buffer with one reader and one
// writer. It does no locking of its own; the owner serializes access.
//
// One byte of the backing array is never used so that a full buffer can be
// told apart from an empty one: at most Capacity()-1 bytes are buffered.
type RingBuffer struct {
	data []byte
	size int // len(data)

	readPos  int // next byte to read
	writePos int // next byte to write

	// Counters
	totalWritten uint64
	totalRead    uint64
	rejected     uint64
}

// RingBufferStats represents ring buffer statistics for monitoring
type RingBufferStats struct {
	Capacity     int    `json:"capacity"`
	Occupied     int    `json:"occupied"`
	Free         int    `json:"free"`
	Level        int    `json:"level_pct"`
	TotalWritten uint64 `json:"total_written"`
	TotalRead    uint64 `json:"total_read"`
	Rejected     uint64 `json:"rejected_writes"`
}

// NewRingBuffer allocates a ring buffer with the given capacity in bytes.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("ring buffer capacity must be at least 2 bytes, got %d", capacity)
	}

	return &RingBuffer{
		data: make([]byte, capacity),
		size: capacity,
	}, nil
}

// Occupied returns the number of buffered bytes.
func (b *RingBuffer) Occupied() int {
	return (b.writePos - b.readPos + b.size) % b.size
}

// Free returns how many bytes can be written before the buffer is full.
func (b *RingBuffer) Free() int {
	return b.size - 1 - b.Occupied()
}

// Capacity returns the size of the backing array.
func (b *RingBuffer) Capacity() int {
	return b.size
}

// Level returns the fill level as an integer percentage of Capacity.
func (b *RingBuffer) Level() int {
	return b.Occupied() * 100 / b.size
}

// TryWrite writes all of p or nothing. It returns len(p) on success and 0
// when p does not fit; a rejected write leaves the buffer untouched.
func (b *RingBuffer) TryWrite(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	if len(p) > b.Free() {
		b.rejected++
		return 0
	}

	b.copyIn(p)
	return len(p)
}

// Write writes as much of p as fits and returns the number of bytes written.
func (b *RingBuffer) Write(p []byte) int {
	n := len(p)
	if free := b.Free(); n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	b.copyIn(p[:n])
	return n
}

// Read copies up to len(p) buffered bytes into p and returns the count.
func (b *RingBuffer) Read(p []byte) int {
	n := len(p)
	if avail := b.Occupied(); n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}

	first := b.size - b.readPos
	if n <= first {
		copy(p, b.data[b.readPos:b.readPos+n])
	} else {
		copy(p, b.data[b.readPos:])
		copy(p[first:n], b.data[:n-first])
	}
	b.readPos = (b.readPos + n) % b.size
	b.totalRead += uint64(n)

	return n
}

// Clear resets both cursors. The backing bytes are left as they are.
func (b *RingBuffer) Clear() {
	b.readPos = 0
	b.writePos = 0
}

// GetStats returns current ring buffer statistics
func (b *RingBuffer) GetStats() RingBufferStats {
	occupied := b.Occupied()
	return RingBufferStats{
		Capacity:     b.size,
		Occupied:     occupied,
		Free:         b.size - 1 - occupied,
		Level:        occupied * 100 / b.size,
		TotalWritten: b.totalWritten,
		TotalRead:    b.totalRead,
		Rejected:     b.rejected,
	}
}

// copyIn assumes len(p) <= Free().
func (b *RingBuffer) copyIn(p []byte) {
	n := len(p)
	first := b.size - b.writePos
	if n <= first {
		copy(b.data[b.writePos:], p)
	} else {
		copy(b.data[b.writePos:], p[:first])
		copy(b.data, p[first:])
	}
	b.writePos = (b.writePos + n) % b.size
	b.totalWritten += uint64(n)
}
