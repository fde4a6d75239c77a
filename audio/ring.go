package audio

import "sync/atomic"

// Ring is a fixed-capacity single-producer/single-consumer byte ring used
// as the smoothing stage between the audio session's coordination goroutine
// and the playback hardware callback. Synchronization is the pair of
// monotonic position counters: the writer owns w, the consuming side owns
// r, and each loads the other's counter atomically. The read cursor
// advances by compare-and-swap so Drain may run from any goroutine
// concurrently with the reader; a half-duplex switch can flush the buffer
// without replaying audio past the reader. The buffer never grows; writes
// beyond the free space are rejected rather than overwriting unread data.
type Ring struct {
	buf []byte
	w   atomic.Uint64 // total bytes ever written
	r   atomic.Uint64 // total bytes ever read
}

// NewRing creates a ring of the given capacity in bytes.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Capacity returns the fixed buffer size.
func (rb *Ring) Capacity() int { return len(rb.buf) }

// Buffered returns the number of unread bytes.
func (rb *Ring) Buffered() int {
	return int(rb.w.Load() - rb.r.Load())
}

// Write copies as much of p as fits and returns the number of bytes
// accepted. Writer side only.
func (rb *Ring) Write(p []byte) int {
	w := rb.w.Load()
	free := len(rb.buf) - int(w-rb.r.Load())
	n := len(p)
	if n > free {
		n = free
	}

	for i := 0; i < n; i++ {
		rb.buf[(w+uint64(i))%uint64(len(rb.buf))] = p[i]
	}
	rb.w.Store(w + uint64(n))
	return n
}

// Read copies up to len(p) buffered bytes into p and returns the count.
// Single reader; a concurrent Drain forces a retry from the new cursor,
// discarding whatever was copied from the flushed region.
func (rb *Ring) Read(p []byte) int {
	for {
		r := rb.r.Load()
		avail := int(rb.w.Load() - r)
		n := len(p)
		if n > avail {
			n = avail
		}
		if n == 0 {
			return 0
		}

		for i := 0; i < n; i++ {
			p[i] = rb.buf[(r+uint64(i))%uint64(len(rb.buf))]
		}
		if rb.r.CompareAndSwap(r, r+uint64(n)) {
			return n
		}
	}
}

// Drain discards all buffered bytes. Safe to call from any goroutine.
func (rb *Ring) Drain() {
	for {
		w := rb.w.Load()
		r := rb.r.Load()
		if r >= w || rb.r.CompareAndSwap(r, w) {
			return
		}
	}
}
