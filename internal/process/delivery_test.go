package process

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxPreservesOrder(t *testing.T) {
	mb := NewMailbox(8, nil)

	go func() {
		for i := 0; i < 100; i++ {
			mb.Line([]byte(fmt.Sprintf("line-%03d", i)))
		}
		mb.Finish(Result{OK: true, Message: "done"})
	}()

	var lines []string
	var res *Result
	mb.Consume(func(ev Event) {
		if ev.Result != nil {
			res = ev.Result
			return
		}
		// The result must always arrive after the last line.
		require.Nil(t, res)
		lines = append(lines, string(ev.Line))
	})

	require.Len(t, lines, 100)
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf("line-%03d", i), line)
	}
	require.NotNil(t, res)
	assert.True(t, res.OK)
}

func TestMailboxCopiesLines(t *testing.T) {
	mb := NewMailbox(4, nil)

	scratch := []byte("original")
	mb.Line(scratch)
	copy(scratch, "clobber!")
	mb.Finish(Result{OK: true})

	var got string
	mb.Consume(func(ev Event) {
		if ev.Line != nil {
			got = string(ev.Line)
		}
	})
	assert.Equal(t, "original", got)
}

func TestMailboxReleasesExactlyOnce(t *testing.T) {
	released := 0
	mb := NewMailbox(4, func() { released++ })

	mb.Finish(Result{OK: true})
	mb.Consume(func(Event) {})

	// Redundant releases are no-ops.
	mb.Release()
	mb.Release()

	assert.Equal(t, 1, released)
}
