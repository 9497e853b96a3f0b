// Package term provides terminal output buffering and activity inference for
// PTY-backed workers.
package term

import "sync"

// DefaultRingBufferSize is the output history kept per worker for replay to
// newly attached consumers.
const DefaultRingBufferSize = 100 * 1024

// RingBuffer is a bounded byte buffer. On overflow the oldest bytes are
// dropped so the buffer always holds the most recent output. One writer (the
// PTY read loop) and any number of snapshot readers.
type RingBuffer struct {
	mu   sync.RWMutex
	data []byte
	max  int
}

// NewRingBuffer creates a ring buffer with the given capacity. A
// non-positive capacity falls back to DefaultRingBufferSize.
func NewRingBuffer(max int) *RingBuffer {
	if max <= 0 {
		max = DefaultRingBufferSize
	}
	return &RingBuffer{max: max}
}

// Append adds data to the buffer, trimming from the front when the capacity
// is exceeded.
func (b *RingBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, data...)
	if len(b.data) > b.max {
		// Keep the most recent bytes. Copy to release the backing array of
		// the old slice.
		trimmed := make([]byte, b.max)
		copy(trimmed, b.data[len(b.data)-b.max:])
		b.data = trimmed
	}
}

// Snapshot returns a copy of the buffered output.
func (b *RingBuffer) Snapshot() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of buffered bytes.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}
