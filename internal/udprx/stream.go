package udprx

import (
	"sync"
	"time"
)

// StreamBuffer receives samples for one channel of one stream.
type StreamBuffer struct {
	mu     sync.Mutex
	ring   *Ring
	notify chan struct{}
	closed bool
}

// NewStreamBuffer returns a buffer holding up to size int16 elements.
func NewStreamBuffer(size int) *StreamBuffer {
	b := &StreamBuffer{notify: make(chan struct{}, 1)}
	b.ring = NewRing(size, &b.mu)
	return b
}

// Put stores a block and wakes a waiting reader. It reports whether old data was dropped.
func (b *StreamBuffer) Put(data []int16) bool {
	overflow := b.put(data)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return overflow
}

func (b *StreamBuffer) put(data []int16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Put(data)
}

// Available returns the number of unread int16 elements.
func (b *StreamBuffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Available()
}

// Wait blocks until data is available or timeout elapses. It returns the
// number of elements available.
func (b *StreamBuffer) Wait(timeout time.Duration) int {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if n := b.Available(); n > 0 {
			return n
		}
		if b.isClosed() {
			return 0
		}
		select {
		case <-b.notify:
		case <-deadline.C:
			return b.Available()
		}
	}
}

func (b *StreamBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Read moves up to max elements (and at most len(dst)) into dst.
func (b *StreamBuffer) Read(dst []int16, max int) int {
	if max > len(dst) {
		max = len(dst)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.ring.Peek(dst[:max])
	b.ring.Consume(n)
	return n
}

// Reset drops all buffered data.
func (b *StreamBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Reset()
}

// Close wakes any waiter; later waits return immediately.
func (b *StreamBuffer) Close() {
	b.markClosed()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *StreamBuffer) markClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
