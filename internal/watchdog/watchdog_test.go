package watchdog

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePool records probe and kill calls against a fixed set of pids.
type fakePool struct {
	mu       sync.Mutex
	probes   []int
	kills    []int
	probeErr map[int]error
	dead     map[int]bool
}

func (p *fakePool) probe(pid int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes = append(p.probes, pid)
	if err := p.probeErr[pid]; err != nil {
		return false, err
	}
	return !p.dead[pid], nil
}

func (p *fakePool) kill(pid int, _ syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills = append(p.kills, pid)
	return nil
}

func newTestWatchdog(cell Cell, pool *fakePool, pids ...int) *Watchdog {
	w := New(cell, Config{PoolSize: len(pids), Interval: 10 * time.Millisecond})
	for i, pid := range pids {
		if err := w.Track(i, pid); err != nil {
			panic(err)
		}
	}
	w.probe = pool.probe
	w.kill = pool.kill
	return w
}

// TestMainLoopExitsOnTargetAndSignalsEachWorker: setting the cell to the
// target makes the loop exit within one polling interval and attempt
// exactly one signal delivery per pid.
func TestMainLoopExitsOnTargetAndSignalsEachWorker(t *testing.T) {
	cell := &AtomicCell{}
	pool := &fakePool{}
	w := newTestWatchdog(cell, pool, 101, 102, 103)

	done := make(chan error, 1)
	go func() { done <- w.MainLoop(AllTasksDone) }()

	time.Sleep(30 * time.Millisecond)
	cell.Advance(AllTasksDone)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("main loop did not exit after status reached target")
	}

	assert.Equal(t, []int{101, 102, 103}, pool.kills)
}

func TestMainLoopEscalatesOnProbeFailure(t *testing.T) {
	cell := &AtomicCell{}
	pool := &fakePool{probeErr: map[int]error{101: errors.New("no such process")}}
	w := newTestWatchdog(cell, pool, 101, 102, 103)

	err := w.MainLoop(AllTasksDone)
	require.Error(t, err)

	// Escalated, returned without probing the remaining pids, but still
	// attempted best-effort delivery to every tracked pid.
	assert.Equal(t, ForceQuit, cell.Load())
	assert.Equal(t, []int{101}, pool.probes)
	assert.Equal(t, []int{101, 102, 103}, pool.kills)
}

func TestMainLoopSkipsFinishedWorkers(t *testing.T) {
	cell := &AtomicCell{}
	pool := &fakePool{dead: map[int]bool{102: true}}
	w := newTestWatchdog(cell, pool, 101, 102)

	done := make(chan error, 1)
	go func() { done <- w.MainLoop(AllTasksDone) }()

	// Let several polling cycles run, then release the loop.
	time.Sleep(50 * time.Millisecond)
	cell.Advance(AllTasksDone)
	require.NoError(t, <-done)

	pool.mu.Lock()
	defer pool.mu.Unlock()
	probed102 := 0
	for _, pid := range pool.probes {
		if pid == 102 {
			probed102++
		}
	}
	// The finished worker is probed once, marked done, then skipped.
	assert.Equal(t, 1, probed102)
}

func TestMainLoopExitsImmediatelyWhenAlreadyPastTarget(t *testing.T) {
	cell := &AtomicCell{}
	cell.Escalate()
	pool := &fakePool{}
	w := newTestWatchdog(cell, pool, 201)

	require.NoError(t, w.MainLoop(AllTasksDone))
	assert.Empty(t, pool.probes)
	assert.Equal(t, []int{201}, pool.kills)
}

// TestBroadcastReportsEachDeliveredSignal: the OnSignal callback fires once
// per successful delivery and not for failed ones.
func TestBroadcastReportsEachDeliveredSignal(t *testing.T) {
	cell := &AtomicCell{}
	cell.Advance(AllTasksDone)

	delivered := 0
	w := New(cell, Config{
		PoolSize: 3,
		Interval: 10 * time.Millisecond,
		OnSignal: func() { delivered++ },
	})
	for i, pid := range []int{301, 302, 303} {
		require.NoError(t, w.Track(i, pid))
	}
	kills := 0
	w.probe = func(int) (bool, error) { return true, nil }
	w.kill = func(pid int, _ syscall.Signal) error {
		kills++
		if pid == 302 {
			return errors.New("no such process")
		}
		return nil
	}

	require.NoError(t, w.MainLoop(AllTasksDone))
	assert.Equal(t, 3, kills)
	assert.Equal(t, 2, delivered)
}

func TestTrackRejectsOutOfRangeSlot(t *testing.T) {
	w := New(&AtomicCell{}, Config{PoolSize: 2})
	assert.Error(t, w.Track(-1, 1))
	assert.Error(t, w.Track(2, 1))
	assert.NoError(t, w.Track(1, 42))
}
