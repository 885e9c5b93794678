// Package watchdog supervises a pool of worker processes through a shared
// atomic status cell and terminates them by signal broadcast. The cell may
// live in a file mapped into several unrelated processes, so it is accessed
// with atomic loads and stores only; locks are never safe to share across
// that boundary.
package watchdog

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Status is the ordinal completion state shared between the coordinator and
// its workers. It only moves forward, and ForceQuit is absorbing.
type Status uint32

const (
	// Unfinished is the initial state.
	Unfinished Status = iota
	// ProducerDone means no further tasks will be enqueued.
	ProducerDone
	// AllTasksDone means every queued task has been consumed.
	AllTasksDone
	// ForceQuit aborts supervision; reachable from any state, terminal.
	ForceQuit
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case Unfinished:
		return "unfinished"
	case ProducerDone:
		return "producer-done"
	case AllTasksDone:
		return "all-tasks-done"
	case ForceQuit:
		return "force-quit"
	default:
		return "unknown"
	}
}

// Cell is an atomically accessed status shared across process or thread
// boundaries.
type Cell interface {
	// Load atomically reads the current status.
	Load() Status
	// Advance moves the status forward to target. It never moves the
	// status backward and never leaves ForceQuit.
	Advance(target Status)
	// Escalate forces the status to ForceQuit.
	Escalate()
}

// AtomicCell is an in-process Cell for coordinator and workers sharing one
// address space.
type AtomicCell struct {
	v atomic.Uint32
}

// Load atomically reads the current status.
func (c *AtomicCell) Load() Status { return Status(c.v.Load()) }

// Advance moves the status forward to target, never backward.
func (c *AtomicCell) Advance(target Status) { advance(&c.v, target) }

// Escalate forces the status to ForceQuit.
func (c *AtomicCell) Escalate() { c.v.Store(uint32(ForceQuit)) }

func advance(v *atomic.Uint32, target Status) {
	for {
		cur := Status(v.Load())
		if cur >= target || cur == ForceQuit {
			return
		}
		if v.CompareAndSwap(uint32(cur), uint32(target)) {
			return
		}
	}
}

// MmapCell is a Cell backed by a 4-byte file mapping shared between
// unrelated processes. Every process opens the same path; stores made by
// one are visible to the others through the shared page.
type MmapCell struct {
	mem []byte
}

// OpenMmapCell opens (creating if needed) the status cell file at path and
// maps it shared.
func OpenMmapCell(path string) (*MmapCell, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open status cell: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(4); err != nil {
		return nil, fmt.Errorf("size status cell: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, 4, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map status cell: %w", err)
	}
	return &MmapCell{mem: mem}, nil
}

func (c *MmapCell) word() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&c.mem[0]))
}

// Load atomically reads the current status.
func (c *MmapCell) Load() Status { return Status(c.word().Load()) }

// Advance moves the status forward to target, never backward.
func (c *MmapCell) Advance(target Status) { advance(c.word(), target) }

// Escalate forces the status to ForceQuit.
func (c *MmapCell) Escalate() { c.word().Store(uint32(ForceQuit)) }

// Close unmaps the cell. The file itself is left in place for other
// processes still holding it.
func (c *MmapCell) Close() error {
	mem := c.mem
	c.mem = nil
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
