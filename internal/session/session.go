package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scanpipe/scanpipe/internal/logging"
	"github.com/scanpipe/scanpipe/internal/process"
	"github.com/scanpipe/scanpipe/internal/shared/id"
)

// State tracks a session through its lifecycle.
type State int32

const (
	StateRunning State = iota
	StateFinished
	StateFailed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Session is one supervised scanner invocation. Its output lines flow
// to the recent-line buffer, the capture file, and any live
// subscribers.
type Session struct {
	ID        id.SessionID
	WorkerID  id.WorkerID
	Command   string
	Args      []string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	logger *logging.Logger

	mu     sync.RWMutex
	cap    *capture
	state  State
	result *process.Result
	pid    int
	recent *lineRing
	subs   map[chan []byte]struct{}
}

// Info is a read-only snapshot for API responses.
type Info struct {
	ID        id.SessionID    `json:"id"`
	Command   string          `json:"command"`
	Args      []string        `json:"args,omitempty"`
	Pid       int             `json:"pid,omitempty"`
	State     string          `json:"state"`
	StartedAt time.Time       `json:"started_at"`
	Result    *process.Result `json:"result,omitempty"`
	Capture   string          `json:"capture,omitempty"`
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Pid returns the pid of the current worker, zero before spawn.
func (s *Session) Pid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pid
}

// Result returns the terminal result, nil while running.
func (s *Session) Result() *process.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return nil
	}
	res := *s.result
	return &res
}

// Recent returns the buffered output lines, oldest first.
func (s *Session) Recent() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recent.snapshot()
}

// Info snapshots the session for serialization.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		ID:        s.ID,
		Command:   s.Command,
		Args:      s.Args,
		Pid:       s.pid,
		State:     s.state.String(),
		StartedAt: s.StartedAt,
	}
	if s.result != nil {
		res := *s.result
		info.Result = &res
	}
	if s.cap != nil {
		info.Capture = s.cap.Path()
	}
	return info
}

// Subscribe registers a live output channel. Slow subscribers miss
// lines rather than stalling the pump. The returned func detaches the
// subscriber and must be called exactly once.
func (s *Session) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan []byte, buffer)

	s.mu.Lock()
	select {
	case <-s.done:
		// Already finished, hand back a drained channel.
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
	return ch, unsub
}

// Kill requests cooperative termination of the session's worker.
func (s *Session) Kill() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateKilled
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) setPid(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
}

// deliver fans one output line out to the ring, the capture file, and
// every subscriber.
func (s *Session) deliver(line []byte) {
	s.mu.Lock()
	s.recent.push(line)
	cw := s.cap
	targets := make([]chan []byte, 0, len(s.subs))
	for ch := range s.subs {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	if cw != nil {
		if err := cw.writeLine(line); err != nil {
			// One failure disables capture; a full disk must not cost a
			// syscall per remaining line.
			s.logger.Warn("Capture write failed, disabling capture",
				zap.String("session", s.ID.String()),
				zap.String("path", cw.Path()),
				zap.Error(err))
			cw.Close()
			s.mu.Lock()
			if s.cap == cw {
				s.cap = nil
			}
			s.mu.Unlock()
		}
	}
	for _, ch := range targets {
		cp := make([]byte, len(line))
		copy(cp, line)
		select {
		case ch <- cp:
		default:
		}
	}
}

// finish records the terminal result and wakes waiters. A session
// killed by request keeps StateKilled even if the worker exited clean.
func (s *Session) finish(res process.Result, state State) {
	s.mu.Lock()
	if s.state != StateKilled {
		s.state = state
	}
	s.result = &res
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan []byte]struct{})
	close(s.done)
	cw := s.cap
	s.mu.Unlock()

	if cw != nil {
		cw.Close()
	}
}
