package stream

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainLines collects every complete line currently extractable.
func drainLines(t *testing.T, a *Accumulator, r *Ring) []string {
	t.Helper()
	var lines []string
	for {
		line, ok := a.ReadLine(r)
		if !ok {
			return lines
		}
		// Returned slices borrow the accumulator; copy before retaining.
		lines = append(lines, string(line))
	}
}

// TestLineReassemblyDeterminism feeds "abc\ndef\n" split across arbitrary
// chunk boundaries, including one byte at a time, and expects exactly the
// two lines in order with no loss and no duplicates.
func TestLineReassemblyDeterminism(t *testing.T) {
	input := "abc\ndef\n"

	for _, chunkSize := range []int{1, 2, 3, 5, 7, len(input)} {
		t.Run(fmt.Sprintf("chunk_%d", chunkSize), func(t *testing.T) {
			r := NewRing(64)
			a := NewAccumulator(256)

			var lines []string
			for off := 0; off < len(input); off += chunkSize {
				end := off + chunkSize
				if end > len(input) {
					end = len(input)
				}
				require.Equal(t, end-off, r.Write([]byte(input[off:end])))
				lines = append(lines, drainLines(t, a, r)...)
			}

			assert.Equal(t, []string{"abc", "def"}, lines)
		})
	}
}

// TestTruncationBoundary checks that a line of exactly MaxLineLen bytes with
// no delimiter is emitted once as a truncated line of MaxLineLen-1 bytes,
// and that subsequent bytes start a fresh, uncorrupted line.
func TestTruncationBoundary(t *testing.T) {
	r := NewRing(4096)
	a := NewAccumulator(DefaultAccumulatorSize)

	require.Equal(t, MaxLineLen, r.Write([]byte(strings.Repeat("x", MaxLineLen))))

	line, ok := a.ReadLine(r)
	require.True(t, ok)
	assert.Len(t, line, MaxLineLen-1)
	assert.Equal(t, strings.Repeat("x", MaxLineLen-1), string(line))
	assert.Equal(t, uint64(1), a.Stats().Truncations)

	// No second emission for the same overlong line.
	_, ok = a.ReadLine(r)
	assert.False(t, ok)

	r.Write([]byte("tail\n"))
	line, ok = a.ReadLine(r)
	require.True(t, ok)
	assert.Equal(t, "tail", string(line))
	assert.Equal(t, uint64(1), a.Stats().Truncations)
}

// TestModerateCompactionDiscardsOlderHalf exercises the lossy moderate tier:
// under 64-127 bytes of free tail space with pending bytes above a quarter
// of capacity, only the most recent half of pending bytes survives.
func TestModerateCompactionDiscardsOlderHalf(t *testing.T) {
	r := NewRing(512)
	a := NewAccumulator(512)

	require.Equal(t, 400, r.Write([]byte(strings.Repeat("a", 400))))

	// First call pulls the bytes in; no delimiter, no compaction yet.
	_, ok := a.ReadLine(r)
	require.False(t, ok)

	// Ring is empty now: this call runs the compaction policy.
	// free = 112, pending = 400 > 512/4, so the older 200 bytes are dropped.
	_, ok = a.ReadLine(r)
	require.False(t, ok)
	assert.Equal(t, uint64(1), a.Stats().ModerateDiscards)
	assert.Equal(t, 200, a.Pending())

	r.Write([]byte("Z\n"))
	line, ok := a.ReadLine(r)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("a", 200)+"Z", string(line))
}

func TestEmergencySlide(t *testing.T) {
	r := NewRing(512)
	a := NewAccumulator(512)

	// 41 eleven-byte lines leave writePos at 451: 61 bytes free at the tail.
	payload := strings.Repeat("0123456789\n", 41)
	require.Equal(t, len(payload), r.Write([]byte(payload)))

	lines := drainLines(t, a, r)
	require.Len(t, lines, 41)

	// drainLines ends with a failed ReadLine, which ran compaction with
	// free < 64: everything slides to offset 0.
	assert.Equal(t, uint64(1), a.Stats().EmergencySlides)
	assert.Equal(t, 0, a.readPos)
	assert.Equal(t, 0, a.writePos)
}

func TestLightSlide(t *testing.T) {
	r := NewRing(512)
	a := NewAccumulator(512)

	// Ten consumed lines then 200 pending un-delimited bytes: writePos 300,
	// free 212, pending 200 > 512/8.
	payload := strings.Repeat("012345678\n", 10) + strings.Repeat("p", 200)
	require.Equal(t, len(payload), r.Write([]byte(payload)))

	lines := drainLines(t, a, r)
	require.Len(t, lines, 10)

	assert.Equal(t, uint64(1), a.Stats().LightSlides)
	assert.Equal(t, 0, a.readPos)
	assert.Equal(t, 200, a.writePos)
}

func TestAmpleSlideOnReadDrift(t *testing.T) {
	r := NewRing(4096)
	a := NewAccumulator(DefaultAccumulatorSize)

	// 200 consumed lines push readPos past the buffer midpoint while ample
	// free space remains.
	payload := strings.Repeat("0123456789\n", 200)
	require.Equal(t, len(payload), r.Write([]byte(payload)))

	lines := drainLines(t, a, r)
	require.Len(t, lines, 200)

	assert.Equal(t, uint64(1), a.Stats().AmpleSlides)
	assert.Equal(t, 0, a.readPos)
}

func TestSelfHealOnCorruptCursors(t *testing.T) {
	r := NewRing(64)
	a := NewAccumulator(256)

	a.readPos = 9999 // simulated corruption

	_, ok := a.ReadLine(r)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), a.Stats().Resets)
	assert.Equal(t, 0, a.readPos)
	assert.Equal(t, 0, a.writePos)

	r.Write([]byte("ok\n"))
	line, ok := a.ReadLine(r)
	require.True(t, ok)
	assert.Equal(t, "ok", string(line))
}

func TestFlushEmitsUnterminatedTail(t *testing.T) {
	r := NewRing(64)
	a := NewAccumulator(256)

	r.Write([]byte("done\npartial"))
	line, ok := a.ReadLine(r)
	require.True(t, ok)
	assert.Equal(t, "done", string(line))

	_, ok = a.ReadLine(r)
	require.False(t, ok)

	tail, ok := a.Flush()
	require.True(t, ok)
	assert.Equal(t, "partial", string(tail))

	_, ok = a.Flush()
	assert.False(t, ok)
}
