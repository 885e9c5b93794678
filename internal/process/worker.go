// Package process spawns scanner worker subprocesses and pumps their merged
// stdout/stderr through the bounded streaming engine. Each worker owns one
// Ring/Accumulator pair serviced by a single poll-driven loop; completed
// lines and the final exit status are handed to the consumer through an
// order-preserving Mailbox.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/scanpipe/scanpipe/internal/logging"
	"github.com/scanpipe/scanpipe/internal/stream"
)

const (
	// ChunkMin and ChunkMax clamp the per-readiness read size from the pipe.
	ChunkMin = 512
	ChunkMax = 4096

	// DefaultRingSize is the per-worker ring capacity.
	DefaultRingSize = 8192
)

// SpawnConfig describes one worker subprocess.
type SpawnConfig struct {
	Path string
	Args []string

	// UsePTY attaches the child to a pseudo-terminal instead of a pipe.
	// Output is still merged and line-buffered the same way.
	UsePTY bool

	RingSize        int
	AccumulatorSize int

	Logger *logging.Logger
}

// Worker is a spawned scanner subprocess together with its owned streaming
// state. All methods must be called from the single goroutine running the
// pump loop.
type Worker struct {
	Pid int

	cmd  *exec.Cmd
	out  *os.File // pipe or pty read end, non-blocking
	ring *stream.Ring
	acc  *stream.Accumulator

	chunk   [ChunkMax]byte
	dropped uint64 // bytes lost to ring overflow

	logger      *logging.Logger
	overflowLog *rate.Limiter
}

// Spawn verifies the executable, wires a merged stdout/stderr pipe (or PTY),
// and starts the child. The child is placed in its own process group and
// requests SIGTERM on parent death so workers cannot be orphaned. Any
// failure closes every descriptor opened so far and leaves no child behind.
func Spawn(cfg SpawnConfig) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.RingSize == 0 {
		cfg.RingSize = DefaultRingSize
	}

	if err := unix.Access(cfg.Path, unix.X_OK); err != nil {
		return nil, fmt.Errorf("spawn %s: not executable: %w", cfg.Path, err)
	}

	w := &Worker{
		ring:        stream.NewRing(cfg.RingSize),
		acc:         stream.NewAccumulator(cfg.AccumulatorSize),
		logger:      cfg.Logger,
		overflowLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)

	if cfg.UsePTY {
		// pty.Start sets Setsid/Setctty; the child is a session leader and
		// therefore already leads its own process group.
		cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("spawn %s: start pty: %w", cfg.Path, err)
		}
		w.out = ptmx
	} else {
		r, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("spawn %s: pipe: %w", cfg.Path, err)
		}
		cmd.Stdout = pw
		cmd.Stderr = pw
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid:   true,
			Pdeathsig: syscall.SIGTERM,
		}
		if err := cmd.Start(); err != nil {
			r.Close()
			pw.Close()
			return nil, fmt.Errorf("spawn %s: %w", cfg.Path, err)
		}
		// The child holds its own copy of the write end.
		pw.Close()
		w.out = r
	}

	if err := unix.SetNonblock(int(w.out.Fd()), true); err != nil {
		// The child is already running; tear it down rather than hand back a
		// worker whose pump loop would block.
		w.out.Close()
		_ = cmd.Process.Kill()
		_, _ = Reap(cmd.Process.Pid, true)
		return nil, fmt.Errorf("spawn %s: set nonblock: %w", cfg.Path, err)
	}

	w.cmd = cmd
	w.Pid = cmd.Process.Pid
	return w, nil
}

// Dropped returns the number of bytes lost to ring overflow so far.
func (w *Worker) Dropped() uint64 { return w.dropped }

// AccumulatorStats snapshots the line accumulator's event counters.
func (w *Worker) AccumulatorStats() stream.AccumulatorStats { return w.acc.Stats() }

// Signal delivers sig to the worker's process group, falling back to the
// single process if the group signal fails.
func (w *Worker) Signal(sig syscall.Signal) error {
	if err := unix.Kill(-w.Pid, sig); err != nil {
		return unix.Kill(w.Pid, sig)
	}
	return nil
}

// pump reads one chunk from the pipe into the ring. It returns io.EOF when
// the stream is finished, nil on progress or a transient would-block. A
// short ring write drops the excess; the loss is counted and logged at most
// once per second.
func (w *Worker) pump() error {
	size := w.ring.Available()
	if size < ChunkMin {
		size = ChunkMin
	}
	if size > ChunkMax {
		size = ChunkMax
	}

	n, err := w.out.Read(w.chunk[:size])
	if n <= 0 {
		switch {
		case err == nil || errors.Is(err, io.EOF):
			return io.EOF
		case errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EIO):
			// PTY masters report EIO once the child side closes.
			return io.EOF
		default:
			return err
		}
	}

	written := w.ring.Write(w.chunk[:n])
	if d := n - written; d > 0 {
		w.dropped += uint64(d)
		if w.overflowLog.Allow() {
			w.logger.Warn("ring overflow, dropping bytes",
				zap.Int("pid", w.Pid),
				zap.Int("dropped", d),
				zap.Uint64("dropped_total", w.dropped),
			)
		}
	}
	return nil
}

// drainLines moves every currently extractable line into the mailbox.
func (w *Worker) drainLines(mb *Mailbox) {
	for {
		line, ok := w.acc.ReadLine(w.ring)
		if !ok {
			return
		}
		mb.Line(line)
	}
}

// Run pumps the worker's output until EOF, then reaps the child and
// delivers the terminal Result. Lines are delivered in the order their
// delimiter appeared in the byte stream; the Result always follows the last
// line. Cancellation is cooperative: when ctx is done the worker is sent
// SIGTERM and the loop keeps draining until the pipe reports EOF.
func (w *Worker) Run(ctx context.Context, mb *Mailbox, b *Backoff) {
	if b == nil {
		b = NewBackoff()
	}

	fds := []unix.PollFd{{Fd: int32(w.out.Fd()), Events: unix.POLLIN}}
	signaled := false
	ready := true

	for {
		if ctx.Err() != nil && !signaled {
			signaled = true
			if err := w.Signal(syscall.SIGTERM); err != nil {
				w.logger.Warn("terminate worker", zap.Int("pid", w.Pid), zap.Error(err))
			}
		}

		timeout := b.Next(ready)
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err != nil && !errors.Is(err, unix.EINTR) {
			w.logger.Warn("poll worker pipe", zap.Int("pid", w.Pid), zap.Error(err))
			break
		}
		ready = n > 0

		if ready {
			if err := w.pump(); err != nil {
				if !errors.Is(err, io.EOF) {
					w.logger.Warn("read worker pipe", zap.Int("pid", w.Pid), zap.Error(err))
				}
				break
			}
		}
		w.drainLines(mb)
	}

	w.finish(mb)
}

// finish drains remaining buffered output, reaps the child, and delivers
// the terminal status.
func (w *Worker) finish(mb *Mailbox) {
	w.out.Close()

	// The ring may still hold undelivered bytes; extraction normally makes
	// progress because failed reads run the compaction policy. The progress
	// check guards against a tiny accumulator that cannot fit a line.
	stalls := 0
	for w.ring.Len() > 0 && stalls < 2 {
		before := w.ring.Len()
		line, ok := w.acc.ReadLine(w.ring)
		if ok {
			mb.Line(line)
		}
		if ok || w.ring.Len() < before {
			stalls = 0
		} else {
			stalls++
		}
	}
	for {
		line, ok := w.acc.ReadLine(w.ring)
		if !ok {
			break
		}
		mb.Line(line)
	}
	if tail, ok := w.acc.Flush(); ok {
		mb.Line(tail)
	}

	st := w.reapBlocking()
	mb.Finish(resultFrom(st))
}

// reapBlocking waits for the child, retrying interrupted waits. Reap itself
// never retries; that is this caller's choice.
func (w *Worker) reapBlocking() ExitStatus {
	for {
		st, err := Reap(w.Pid, true)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			w.logger.Error("reap worker", zap.Int("pid", w.Pid), zap.Error(err))
			return st
		}
		if st.State == StillRunning {
			continue
		}
		return st
	}
}

func resultFrom(st ExitStatus) Result {
	switch st.State {
	case Exited:
		if st.Code == 0 {
			return Result{OK: true, Message: "worker exited cleanly", ExitCode: 0}
		}
		return Result{OK: false, Message: fmt.Sprintf("worker exited with code %d", st.Code), ExitCode: st.Code}
	case Signaled:
		return Result{OK: false, Message: fmt.Sprintf("worker killed by signal %s", st.Signal), ExitCode: -1}
	default:
		return Result{OK: false, Message: "worker status unknown: wait failed", ExitCode: -1}
	}
}
