package process

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitState classifies the outcome of a wait call.
type ExitState int

const (
	// Exited means the child terminated normally with a numeric code.
	Exited ExitState = iota
	// Signaled means the child was terminated by a signal.
	Signaled
	// StillRunning means a non-blocking wait found no state change.
	StillRunning
	// WaitFailed means the wait call itself failed.
	WaitFailed
)

// String returns the string representation of the state.
func (s ExitState) String() string {
	switch s {
	case Exited:
		return "exited"
	case Signaled:
		return "signaled"
	case StillRunning:
		return "running"
	case WaitFailed:
		return "wait-failed"
	default:
		return "unknown"
	}
}

// ExitStatus is the decoded result of waiting on a worker.
type ExitStatus struct {
	State  ExitState
	Code   int
	Signal syscall.Signal
}

// Reap waits for the given child, blocking or not per the caller's choice.
// An interrupted wait is returned as WaitFailed with EINTR; retrying is the
// caller's responsibility, never done here.
func Reap(pid int, block bool) (ExitStatus, error) {
	var ws unix.WaitStatus
	flags := 0
	if !block {
		flags = unix.WNOHANG
	}

	wpid, err := unix.Wait4(pid, &ws, flags, nil)
	if err != nil {
		return ExitStatus{State: WaitFailed}, fmt.Errorf("wait4 pid %d: %w", pid, err)
	}
	if wpid == 0 {
		return ExitStatus{State: StillRunning}, nil
	}
	if ws.Signaled() {
		return ExitStatus{State: Signaled, Signal: ws.Signal()}, nil
	}
	return ExitStatus{State: Exited, Code: ws.ExitStatus()}, nil
}
