package watchdog

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/scanpipe/scanpipe/internal/logging"
)

// DefaultInterval is the coarse polling interval of the supervision loop.
// No shared wake primitive exists across unrelated processes here, so
// cancellation latency is bounded by this value.
const DefaultInterval = 250 * time.Millisecond

// Config configures a Watchdog.
type Config struct {
	// PoolSize is the number of worker slots to supervise.
	PoolSize int
	// Signal is broadcast to every tracked pid when the main loop exits.
	// Zero selects SIGTERM.
	Signal syscall.Signal
	// Handler, when set together with Signal, is installed by each worker
	// via RegisterInWorker.
	Handler func(os.Signal)
	// Interval overrides DefaultInterval.
	Interval time.Duration

	// Probe overrides the default liveness probe. The default is a
	// non-blocking wait, which reaps the worker; supply a probe based
	// on kill(pid, 0) when something else owns reaping.
	Probe func(pid int) (alive bool, err error)

	// OnSignal is invoked once per termination signal delivered during
	// the broadcast, used for metrics.
	OnSignal func()

	Logger *logging.Logger
}

// Watchdog polls worker liveness and a shared status cell, then signals all
// workers to terminate. It runs in a coordinating process that is the
// parent of the workers, so non-blocking waits double as liveness probes.
type Watchdog struct {
	cell     Cell
	pids     []int
	done     []bool
	sig      syscall.Signal
	handler  func(os.Signal)
	interval time.Duration
	onSignal func()
	logger   *logging.Logger

	// injected for tests
	probe func(pid int) (alive bool, err error)
	kill  func(pid int, sig syscall.Signal) error
}

// New creates a Watchdog over the given shared cell.
func New(cell Cell, cfg Config) *Watchdog {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Signal == 0 {
		cfg.Signal = syscall.SIGTERM
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Probe == nil {
		cfg.Probe = probeWait
	}
	return &Watchdog{
		cell:     cell,
		pids:     make([]int, cfg.PoolSize),
		done:     make([]bool, cfg.PoolSize),
		sig:      cfg.Signal,
		handler:  cfg.Handler,
		interval: cfg.Interval,
		onSignal: cfg.OnSignal,
		logger:   cfg.Logger,
		probe:    cfg.Probe,
		kill:     func(pid int, sig syscall.Signal) error { return unix.Kill(pid, sig) },
	}
}

// Track records the pid supervising slot i.
func (w *Watchdog) Track(i, pid int) error {
	if i < 0 || i >= len(w.pids) {
		return fmt.Errorf("watchdog: slot %d out of range (pool size %d)", i, len(w.pids))
	}
	w.pids[i] = pid
	w.done[i] = false
	return nil
}

// RegisterInWorker installs the configured termination handler in the
// calling (worker) process. A no-op when no handler was configured.
func (w *Watchdog) RegisterInWorker() {
	if w.handler == nil {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, w.sig)
	go func() {
		for s := range ch {
			w.handler(s)
		}
	}()
}

// MainLoop supervises the pool until the shared status reaches target, then
// broadcasts the termination signal to every tracked pid. A liveness probe
// failure (distinct from "still running") escalates the shared status to
// ForceQuit and stops supervision immediately: past that point continued
// polling risks waiting on an unrelated process.
func (w *Watchdog) MainLoop(target Status) error {
	for {
		if w.cell.Load() >= target {
			break
		}

		for i, pid := range w.pids {
			if pid == 0 || w.done[i] {
				continue
			}
			alive, err := w.probe(pid)
			if err != nil {
				w.logger.Error("liveness probe failed, escalating",
					zap.Int("pid", pid), zap.Error(err))
				w.cell.Escalate()
				w.broadcast()
				return fmt.Errorf("watchdog: liveness probe pid %d: %w", pid, err)
			}
			if !alive {
				w.done[i] = true
				w.logger.Debug("worker finished", zap.Int("pid", pid))
			}
		}

		time.Sleep(w.interval)
	}

	w.broadcast()
	return nil
}

// broadcast delivers the termination signal to every tracked pid,
// best-effort: a failure for one pid is logged but does not abort delivery
// to the rest.
func (w *Watchdog) broadcast() {
	for _, pid := range w.pids {
		if pid == 0 {
			continue
		}
		if err := w.kill(pid, w.sig); err != nil {
			w.logger.Warn("signal worker", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		if w.onSignal != nil {
			w.onSignal()
		}
	}
}

// probeWait is the default liveness probe: a non-blocking wait. The
// coordinator is the workers' parent, so an exited worker is reaped here
// and reported not alive; a wait failure is surfaced as-is.
func probeWait(pid int) (bool, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return false, err
	}
	return wpid == 0, nil
}
