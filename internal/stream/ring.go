// Package stream implements the bounded byte-streaming primitives used to
// carry subprocess output: a fixed-capacity ring buffer and a line
// accumulator that reassembles delimiter-terminated lines from it.
package stream

// Ring is a fixed-capacity circular byte store. It is exclusively owned by
// the single pump loop servicing one worker's pipe and must never be mutated
// from two goroutines concurrently.
//
// The head and tail cursors increase monotonically and are masked only at
// the point of indexing into the backing array. Storing unwrapped cursors
// keeps "empty" (head == tail) and "full" (tail-head == capacity)
// unambiguous.
type Ring struct {
	buf  []byte
	mask uint64
	head uint64 // next unread offset
	tail uint64 // next write offset
}

// NewRing returns an empty ring with the given capacity. The capacity must
// be a power of two so indexing can mask instead of taking a modulo; this is
// a construction-time precondition and the function panics otherwise.
func NewRing(capacity int) *Ring {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("stream: ring capacity must be > 0 and a power of two")
	}
	return &Ring{
		buf:  make([]byte, capacity),
		mask: uint64(capacity - 1),
	}
}

// Cap returns the fixed capacity of the ring.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of buffered, unread bytes.
func (r *Ring) Len() int { return int(r.tail - r.head) }

// Available returns the free space remaining in the ring.
func (r *Ring) Available() int { return len(r.buf) - r.Len() }

// Write copies as much of p as currently fits and returns the number of
// bytes stored. A short write means the ring is near full; the excess bytes
// are dropped, and counting or logging that loss is the caller's job. The
// caller must not retry the remainder. A nil or empty p is a no-op.
func (r *Ring) Write(p []byte) int {
	n := len(p)
	if n == 0 {
		return 0
	}
	if avail := r.Available(); n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	pos := int(r.tail & r.mask)
	first := len(r.buf) - pos
	if first > n {
		first = n
	}
	copy(r.buf[pos:pos+first], p[:first])
	copy(r.buf, p[first:n])
	r.tail += uint64(n)
	return n
}

// Read copies up to len(p) buffered bytes into p and returns the number of
// bytes copied. A nil or empty p is a no-op.
func (r *Ring) Read(p []byte) int {
	n := len(p)
	if n == 0 {
		return 0
	}
	if buffered := r.Len(); n > buffered {
		n = buffered
	}
	if n == 0 {
		return 0
	}
	pos := int(r.head & r.mask)
	first := len(r.buf) - pos
	if first > n {
		first = n
	}
	copy(p[:first], r.buf[pos:pos+first])
	copy(p[first:n], r.buf)
	r.head += uint64(n)
	return n
}
