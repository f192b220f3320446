package udprx

import (
	"sync"

	"github.com/trailofbits/go-mutexasserts"
)

// DefaultRingSize is the per-stream capacity in int16 elements.
const DefaultRingSize = 1024 * 1024

// overflowGap is how far past head the tail jumps when old data is dropped.
const overflowGap = 32

// Ring is a fixed-size int16 FIFO that overwrites its oldest data when full.
// When guard is set every method asserts that the caller holds it. The check
// is compiled in only with -tags debug.
type Ring struct {
	buf   []int16
	head  int
	tail  int
	guard *sync.Mutex
}

// NewRing allocates a ring of size elements guarded by mu (may be nil).
func NewRing(size int, mu *sync.Mutex) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]int16, size), guard: mu}
}

func (r *Ring) assertLocked() {
	if r.guard != nil {
		mutexasserts.AssertMutexLocked(r.guard)
	}
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Available returns the number of unread elements.
func (r *Ring) Available() int {
	r.assertLocked()
	return r.available()
}

func (r *Ring) available() int {
	n := r.head - r.tail
	if n < 0 {
		n += len(r.buf)
	}
	return n
}

// Put appends data. Blocks as large as the ring are ignored. It reports
// whether older data had to be dropped.
func (r *Ring) Put(data []int16) (overflow bool) {
	r.assertLocked()
	size := len(r.buf)
	if len(data) >= size {
		return false
	}
	before := r.available()

	n := copy(r.buf[r.head:], data)
	if n < len(data) {
		copy(r.buf, data[n:])
		r.head = len(data) - n
	} else {
		r.head += n
		if r.head == size {
			r.head = 0
		}
	}

	if before+len(data) >= size {
		r.tail = (r.head + overflowGap) % size
		return true
	}
	return false
}

// Peek copies up to len(dst) unread elements into dst without consuming them.
func (r *Ring) Peek(dst []int16) int {
	r.assertLocked()
	n := len(dst)
	if avail := r.available(); n > avail {
		n = avail
	}
	c := copy(dst[:n], r.buf[r.tail:])
	if c < n {
		copy(dst[c:n], r.buf)
	}
	return n
}

// Consume discards n elements. Consuming more than is available empties the ring.
func (r *Ring) Consume(n int) {
	r.assertLocked()
	if n > r.available() {
		r.head, r.tail = 0, 0
		return
	}
	r.tail += n
	if r.tail >= len(r.buf) {
		r.tail -= len(r.buf)
	}
}

// Reset empties the ring.
func (r *Ring) Reset() {
	r.assertLocked()
	r.head, r.tail = 0, 0
}
