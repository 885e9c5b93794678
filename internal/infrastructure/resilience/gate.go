// Package resilience provides a respawn gate that stops crash-looping
// workers from being restarted indefinitely.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the gate's current disposition toward respawns.
type State int

const (
	// StateClosed allows respawns; failures are counted.
	StateClosed State = iota
	// StateOpen rejects respawns until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single probe respawn after cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrGateOpen is returned by Allow when respawns are rejected.
var ErrGateOpen = errors.New("respawn gate open")

// Counts holds the failure bookkeeping for the current generation.
type Counts struct {
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	TotalFailures        uint32
	TotalSuccesses       uint32
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Settings configures a Gate.
type Settings struct {
	// MaxFailures is the consecutive-failure count that trips the gate.
	// Zero means 5.
	MaxFailures uint32
	// Cooldown is how long the gate stays open before allowing a probe
	// respawn. Zero means 30 seconds.
	Cooldown time.Duration
	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(from, to State)
}

// Gate tracks worker exit outcomes and decides whether another respawn
// is worthwhile. A run that ends abnormally counts as a failure; a run
// that ends cleanly resets the streak. Too many consecutive failures
// open the gate, and after a cooldown a single probe respawn is let
// through to test whether the underlying condition cleared.
type Gate struct {
	maxFailures   uint32
	cooldown      time.Duration
	onStateChange func(from, to State)

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openedAt   time.Time
	probing    bool
}

// NewGate returns a gate in the closed state.
func NewGate(st Settings) *Gate {
	g := &Gate{
		maxFailures:   st.MaxFailures,
		cooldown:      st.Cooldown,
		onStateChange: st.OnStateChange,
	}
	if g.maxFailures == 0 {
		g.maxFailures = 5
	}
	if g.cooldown <= 0 {
		g.cooldown = 30 * time.Second
	}
	return g
}

// State reports the current state, accounting for cooldown expiry.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentState(time.Now())
}

// Counts returns a snapshot of the current generation's counters.
func (g *Gate) Counts() Counts {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts
}

// Allow reports whether a respawn may proceed. In the half-open state
// only one caller gets through until the probe's outcome is recorded.
func (g *Gate) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.currentState(time.Now()) {
	case StateOpen:
		return ErrGateOpen
	case StateHalfOpen:
		if g.probing {
			return ErrGateOpen
		}
		g.probing = true
	}
	return nil
}

// RecordSuccess notes a clean worker exit. In the half-open state a
// successful probe closes the gate.
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.currentState(time.Now())
	g.counts.onSuccess()
	if state == StateHalfOpen {
		g.setState(StateClosed, time.Now())
	}
}

// RecordFailure notes an abnormal worker exit. Enough consecutive
// failures trip the gate; a failed probe re-opens it immediately.
func (g *Gate) RecordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	state := g.currentState(now)
	g.counts.onFailure()

	switch state {
	case StateClosed:
		if g.counts.ConsecutiveFailures >= g.maxFailures {
			g.setState(StateOpen, now)
		}
	case StateHalfOpen:
		g.setState(StateOpen, now)
	}
}

// currentState must be called with g.mu held.
func (g *Gate) currentState(now time.Time) State {
	if g.state == StateOpen && now.Sub(g.openedAt) >= g.cooldown {
		g.setState(StateHalfOpen, now)
	}
	return g.state
}

// setState must be called with g.mu held.
func (g *Gate) setState(to State, now time.Time) {
	if g.state == to {
		return
	}
	from := g.state
	g.state = to
	g.generation++
	g.counts = Counts{}
	g.probing = false
	if to == StateOpen {
		g.openedAt = now
	}
	if g.onStateChange != nil {
		cb := g.onStateChange
		go cb(from, to)
	}
}
