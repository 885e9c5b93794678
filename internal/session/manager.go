// Package session ties supervised scanner workers to API consumers.
// A session owns one worker at a time; in watch mode the worker is
// respawned when it exits, subject to the respawn gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scanpipe/scanpipe/internal/infrastructure/config"
	"github.com/scanpipe/scanpipe/internal/infrastructure/monitoring"
	"github.com/scanpipe/scanpipe/internal/infrastructure/resilience"
	"github.com/scanpipe/scanpipe/internal/logging"
	"github.com/scanpipe/scanpipe/internal/process"
	"github.com/scanpipe/scanpipe/internal/shared/id"
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Options configures a Manager.
type Options struct {
	Scanner config.ScannerConfig
	Engine  config.EngineConfig
	Capture config.CaptureConfig
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	// OnSpawn is invoked with each new worker pid, used to hand pids
	// to the watchdog.
	OnSpawn func(pid int)
	// Gate limits respawns of crash-looping workers. Nil gets a
	// default gate.
	Gate *resilience.Gate
}

// Manager owns all live and finished sessions.
type Manager struct {
	opts     Options
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	gate     *resilience.Gate
	sessions sync.Map // id.SessionID -> *Session
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	gate := opts.Gate
	if gate == nil {
		gate = resilience.NewGate(resilience.Settings{})
	}
	return &Manager{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		gate:    gate,
	}
}

// StartRequest describes a scan to launch.
type StartRequest struct {
	// Targets are paths appended to the scanner's arguments.
	Targets []string
	// ExtraArgs go before the targets, after the configured args.
	ExtraArgs []string
	// Watch respawns the scanner each time it exits, until killed or
	// the respawn gate opens.
	Watch bool
}

// Start spawns a scanner worker and returns its session immediately.
// Output streams in the background until the worker exits.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	args := append(append(append([]string{}, m.opts.Scanner.Args...), req.ExtraArgs...), req.Targets...)

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:        id.NewSessionID(),
		WorkerID:  id.NewWorkerID(),
		Command:   m.opts.Scanner.Command,
		Args:      args,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    m.logger,
		state:     StateRunning,
		recent:    newLineRing(m.opts.Capture.Lines),
		subs:      make(map[chan []byte]struct{}),
	}

	if m.opts.Capture.Dir != "" {
		cw, err := newCapture(m.opts.Capture.Dir, s.ID, m.opts.Capture.Compress)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		s.cap = cw
	}

	// First spawn happens synchronously so the caller sees spawn
	// failures (bad command, not executable) as an error.
	w, err := m.spawn(s)
	if err != nil {
		cancel()
		if s.cap != nil {
			s.cap.Close()
		}
		return nil, err
	}

	m.sessions.Store(s.ID, s)
	m.logger.Info("Session started",
		zap.String("session", s.ID.String()),
		zap.String("command", s.Command),
		zap.Int("pid", w.Pid),
		zap.Bool("watch", req.Watch))

	go m.supervise(runCtx, s, w, req.Watch)
	return s, nil
}

// Get looks up a session by ID.
func (m *Manager) Get(sid id.SessionID) (*Session, bool) {
	v, ok := m.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// List returns all sessions, live and finished.
func (m *Manager) List() []*Session {
	var out []*Session
	m.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// Kill requests cooperative termination of a session's worker.
func (m *Manager) Kill(sid id.SessionID) error {
	s, ok := m.Get(sid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sid)
	}
	s.Kill()
	return nil
}

// Remove drops a finished session from the registry.
func (m *Manager) Remove(sid id.SessionID) error {
	s, ok := m.Get(sid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sid)
	}
	select {
	case <-s.Done():
	default:
		return fmt.Errorf("session %s still running", sid)
	}
	m.sessions.Delete(sid)
	return nil
}

// Pids returns the pids of all running workers.
func (m *Manager) Pids() []int {
	var pids []int
	m.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.State() == StateRunning {
			if pid := s.Pid(); pid > 0 {
				pids = append(pids, pid)
			}
		}
		return true
	})
	return pids
}

// Shutdown kills every running session and waits for them to drain,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	var running []*Session
	m.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.State() == StateRunning {
			s.Kill()
			running = append(running, s)
		}
		return true
	})
	for _, s := range running {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) spawn(s *Session) (*process.Worker, error) {
	w, err := process.Spawn(process.SpawnConfig{
		Path:            s.Command,
		Args:            s.Args,
		UsePTY:          m.opts.Scanner.UsePTY,
		RingSize:        m.opts.Engine.RingSize,
		AccumulatorSize: m.opts.Engine.AccumulatorSize,
		Logger:          m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn scanner: %w", err)
	}
	s.setPid(w.Pid)
	if m.opts.OnSpawn != nil {
		m.opts.OnSpawn(w.Pid)
	}
	if m.metrics != nil {
		m.metrics.WorkersSpawned.Inc()
		m.metrics.WorkersActive.Inc()
	}
	return w, nil
}

// supervise pumps one worker to completion, respawning in watch mode
// while the gate allows it.
func (m *Manager) supervise(ctx context.Context, s *Session, w *process.Worker, watch bool) {
	for {
		res := m.pump(ctx, s, w)

		if res.OK {
			m.gate.RecordSuccess()
		} else {
			m.gate.RecordFailure()
		}

		if !watch || ctx.Err() != nil {
			state := StateFinished
			if !res.OK {
				state = StateFailed
			}
			s.finish(res, state)
			m.logger.Info("Session finished",
				zap.String("session", s.ID.String()),
				zap.Bool("ok", res.OK),
				zap.String("message", res.Message))
			return
		}

		if err := m.gate.Allow(); err != nil {
			s.finish(process.Result{
				OK:       false,
				Message:  fmt.Sprintf("respawn suppressed: %s", res.Message),
				ExitCode: res.ExitCode,
			}, StateFailed)
			m.logger.Warn("Respawn gate open, session abandoned",
				zap.String("session", s.ID.String()),
				zap.String("last_exit", res.Message))
			return
		}

		next, err := m.spawn(s)
		if err != nil {
			m.gate.RecordFailure()
			s.finish(process.Result{OK: false, Message: err.Error(), ExitCode: -1}, StateFailed)
			m.logger.Error("Respawn failed",
				zap.String("session", s.ID.String()),
				zap.Error(err))
			return
		}
		m.logger.Info("Worker respawned",
			zap.String("session", s.ID.String()),
			zap.Int("pid", next.Pid))
		w = next
	}
}

// pump drives one worker run, fanning its lines into the session and
// folding its counters into the metrics when it exits.
func (m *Manager) pump(ctx context.Context, s *Session, w *process.Worker) process.Result {
	mb := process.NewMailbox(m.opts.Engine.MailboxCapacity, func() {
		if m.metrics != nil {
			m.metrics.WorkersActive.Dec()
		}
	})
	b := process.NewBackoff()
	if m.opts.Engine.BackoffBase > 0 {
		b.Base = m.opts.Engine.BackoffBase.Std()
	}
	if m.opts.Engine.BackoffCeiling > 0 {
		b.Ceiling = m.opts.Engine.BackoffCeiling.Std()
	}
	if m.opts.Engine.BackoffJitter > 0 {
		b.MaxJitter = m.opts.Engine.BackoffJitter.Std()
	}
	if m.opts.Engine.BackoffThreshold > 0 {
		b.Threshold = m.opts.Engine.BackoffThreshold
	}

	go w.Run(ctx, mb, b)

	var res process.Result
	mb.Consume(func(ev process.Event) {
		if ev.Result != nil {
			res = *ev.Result
			return
		}
		s.deliver(ev.Line)
		if m.metrics != nil {
			m.metrics.LinesEmitted.Inc()
			m.metrics.BytesPumped.Add(float64(len(ev.Line) + 1))
		}
	})

	if m.metrics != nil {
		m.metrics.AddStreamStats(w.Dropped(), w.AccumulatorStats())
		outcome := "clean"
		if !res.OK {
			outcome = "abnormal"
		}
		m.metrics.WorkerExits.WithLabelValues(outcome).Inc()
	}
	return res
}
