package shell

import "sync"

// RingBuffer is a fixed-size circular buffer holding the most recent raw
// shell output. It overwrites the oldest data when full. Safe for concurrent use.
type RingBuffer struct {
	buf      []byte
	capacity int
	writePos int
	written  int64
	mu       sync.Mutex
}

// NewRingBuffer allocates a ring buffer with the given capacity in bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 65536
	}
	return &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest bytes if full. Implements io.Writer.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n >= rb.capacity {
		copy(rb.buf, p[n-rb.capacity:])
		rb.writePos = 0
		rb.written += int64(n)
		return n, nil
	}

	firstChunk := rb.capacity - rb.writePos
	if firstChunk >= n {
		copy(rb.buf[rb.writePos:], p)
	} else {
		copy(rb.buf[rb.writePos:], p[:firstChunk])
		copy(rb.buf, p[firstChunk:])
	}

	rb.writePos = (rb.writePos + n) % rb.capacity
	rb.written += int64(n)
	return n, nil
}

// Bytes returns a copy of the buffered data, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	length := rb.lenLocked()
	if length == 0 {
		return nil
	}

	result := make([]byte, length)
	if rb.written <= int64(rb.capacity) {
		copy(result, rb.buf[:length])
	} else {
		tailLen := rb.capacity - rb.writePos
		copy(result, rb.buf[rb.writePos:])
		copy(result[tailLen:], rb.buf[:rb.writePos])
	}
	return result
}

// Len returns the number of bytes currently stored.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.lenLocked()
}

func (rb *RingBuffer) lenLocked() int {
	if rb.written <= int64(rb.capacity) {
		return int(rb.written)
	}
	return rb.capacity
}
