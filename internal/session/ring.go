package session

// lineRing keeps the most recent output lines of a session. When full,
// a new line overwrites the oldest one.
type lineRing struct {
	lines [][]byte
	head  int
	count int
}

func newLineRing(capacity int) *lineRing {
	if capacity <= 0 {
		capacity = 500
	}
	return &lineRing{lines: make([][]byte, capacity)}
}

// push stores a copy of line.
func (r *lineRing) push(line []byte) {
	cp := make([]byte, len(line))
	copy(cp, line)
	r.lines[r.head] = cp
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// snapshot returns the buffered lines oldest first.
func (r *lineRing) snapshot() [][]byte {
	out := make([][]byte, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
