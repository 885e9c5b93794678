package watchdog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusAdvancesForwardOnly(t *testing.T) {
	var c AtomicCell

	assert.Equal(t, Unfinished, c.Load())

	c.Advance(ProducerDone)
	assert.Equal(t, ProducerDone, c.Load())

	// Moving backward is a no-op.
	c.Advance(Unfinished)
	assert.Equal(t, ProducerDone, c.Load())

	c.Advance(AllTasksDone)
	assert.Equal(t, AllTasksDone, c.Load())
}

func TestForceQuitIsAbsorbing(t *testing.T) {
	var c AtomicCell

	c.Escalate()
	assert.Equal(t, ForceQuit, c.Load())

	c.Advance(AllTasksDone)
	assert.Equal(t, ForceQuit, c.Load())

	c.Escalate()
	assert.Equal(t, ForceQuit, c.Load())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "unfinished", Unfinished.String())
	assert.Equal(t, "producer-done", ProducerDone.String())
	assert.Equal(t, "all-tasks-done", AllTasksDone.String())
	assert.Equal(t, "force-quit", ForceQuit.String())
	assert.Equal(t, "unknown", Status(99).String())
}

func TestMmapCellSharesThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")

	a, err := OpenMmapCell(path)
	require.NoError(t, err)
	defer a.Close()

	b, err := OpenMmapCell(path)
	require.NoError(t, err)
	defer b.Close()

	// Stores through one mapping are visible through the other.
	a.Advance(ProducerDone)
	assert.Equal(t, ProducerDone, b.Load())

	b.Escalate()
	assert.Equal(t, ForceQuit, a.Load())

	// ForceQuit stays absorbing across mappings.
	a.Advance(AllTasksDone)
	assert.Equal(t, ForceQuit, b.Load())
}

func TestMmapCellCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")

	c, err := OpenMmapCell(path)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
