package stream

const (
	// MaxLineLen is the maximum number of bytes scanned for a single line
	// before a synthetic boundary is forced. The emitted truncated line is
	// one byte shorter, mirroring a terminator written at the boundary.
	MaxLineLen = 2047

	// DefaultAccumulatorSize holds at least one maximum-length line plus
	// slack.
	DefaultAccumulatorSize = 4096
)

// Compaction tier thresholds, selected by free space at the tail of the
// backing array.
const (
	emergencyFree = 64
	moderateFree  = 128
	lightFree     = 256
)

// Accumulator reassembles newline-terminated lines from bytes pulled out of
// a Ring. Like the Ring it is single-owner: only the pump loop touches it.
//
// Returned line slices borrow the backing array and are valid only until the
// next Accumulator call; consumers that retain a line must copy it.
type Accumulator struct {
	buf      []byte
	readPos  int // start of unconsumed bytes
	writePos int // end of valid bytes
	lineLen  int // bytes already scanned for the in-progress line

	stats AccumulatorStats
}

// AccumulatorStats counts the lossy and corrective events an accumulator has
// performed. Snapshot via Stats.
type AccumulatorStats struct {
	Truncations      uint64
	Resets           uint64
	EmergencySlides  uint64
	ModerateDiscards uint64
	LightSlides      uint64
	AmpleSlides      uint64
}

// NewAccumulator returns an accumulator with the given backing capacity.
// Sizes below DefaultAccumulatorSize are allowed (useful for exercising the
// compaction tiers) but cannot hold a maximum-length line.
func NewAccumulator(capacity int) *Accumulator {
	if capacity <= 0 {
		capacity = DefaultAccumulatorSize
	}
	return &Accumulator{buf: make([]byte, capacity)}
}

// Stats returns a snapshot of the accumulator's event counters.
func (a *Accumulator) Stats() AccumulatorStats { return a.stats }

// Pending returns the number of buffered bytes not yet consumed.
func (a *Accumulator) Pending() int { return a.writePos - a.readPos }

// Reset discards all buffered state.
func (a *Accumulator) Reset() {
	a.readPos = 0
	a.writePos = 0
	a.lineLen = 0
}

// ReadLine pulls bytes from r as needed and returns the next complete line
// without its delimiter. ok is false when no complete line is available yet;
// in that case the compaction policy has already run, so a subsequent pump
// into r can make progress.
func (a *Accumulator) ReadLine(r *Ring) (line []byte, ok bool) {
	// Out-of-range cursors mean corruption; self-heal instead of asserting.
	if a.readPos < 0 || a.writePos < 0 || a.readPos > a.writePos || a.writePos > len(a.buf) {
		a.Reset()
		a.stats.Resets++
	}

	if line, ok = a.scan(); ok {
		return line, true
	}

	pulled := r.Read(a.buf[a.writePos:])
	a.writePos += pulled
	if pulled == 0 {
		a.compact()
		return nil, false
	}

	return a.scan()
}

// Flush returns any unterminated trailing bytes as a final line. Called once
// the producing stream has hit EOF.
func (a *Accumulator) Flush() (line []byte, ok bool) {
	if a.writePos == a.readPos {
		return nil, false
	}
	line = a.buf[a.readPos:a.writePos]
	a.readPos = a.writePos
	a.lineLen = 0
	return line, true
}

// scan looks for a delimiter in [readPos+lineLen, writePos), resuming where
// the previous pass stopped. When the running line length reaches MaxLineLen
// a synthetic boundary is forced: the byte at the boundary offset is treated
// as the delimiter, so the emitted line is MaxLineLen-1 bytes and subsequent
// bytes start a fresh line.
func (a *Accumulator) scan() ([]byte, bool) {
	start := a.readPos + a.lineLen
	if start > a.writePos {
		start = a.writePos
		a.lineLen = a.writePos - a.readPos
	}
	for i := start; i < a.writePos; i++ {
		if a.buf[i] == '\n' {
			end := i
			// Drop a trailing CR so CRLF streams (PTY-attached workers)
			// yield the same lines as plain pipes.
			if end > a.readPos && a.buf[end-1] == '\r' {
				end--
			}
			line := a.buf[a.readPos:end]
			a.readPos = i + 1
			a.lineLen = 0
			return line, true
		}
		a.lineLen++
		if a.lineLen >= MaxLineLen {
			line := a.buf[a.readPos : a.readPos+MaxLineLen-1]
			a.readPos += MaxLineLen
			a.lineLen = 0
			a.stats.Truncations++
			return line, true
		}
	}
	return nil, false
}

// compact bounds fragmentation of the backing array. The tier is selected by
// the free space remaining at the tail.
//
// The moderate tier discards the older half of pending bytes under
// free-space pressure even though those bytes may belong to a line that
// would have terminated correctly. This lossy trade is kept exactly as the
// scanner frontends that shipped it behave.
func (a *Accumulator) compact() {
	free := len(a.buf) - a.writePos
	pending := a.writePos - a.readPos

	switch {
	case free < emergencyFree:
		a.slide()
		a.stats.EmergencySlides++
	case free < moderateFree:
		if pending > len(a.buf)/4 {
			keep := pending / 2
			copy(a.buf, a.buf[a.writePos-keep:a.writePos])
			a.readPos = 0
			a.writePos = keep
			a.stats.ModerateDiscards++
		}
	case free < lightFree:
		if pending > len(a.buf)/8 {
			a.slide()
			a.stats.LightSlides++
		}
	default:
		if a.readPos > len(a.buf)/2 {
			a.slide()
			a.stats.AmpleSlides++
		}
	}

	if a.writePos > len(a.buf) {
		a.writePos = len(a.buf)
	}
	if a.readPos > a.writePos {
		a.readPos = a.writePos
	}
	if a.lineLen > a.writePos-a.readPos {
		a.lineLen = a.writePos - a.readPos
	}
}

// slide moves all pending bytes to offset 0.
func (a *Accumulator) slide() {
	copy(a.buf, a.buf[a.readPos:a.writePos])
	a.writePos -= a.readPos
	a.readPos = 0
}
