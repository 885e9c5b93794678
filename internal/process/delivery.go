package process

import "sync"

// Result is the terminal message delivered once per worker, always after
// every extracted line.
type Result struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Event is one delivery from a worker: either a completed line or the
// terminal Result, never both.
type Event struct {
	Line   []byte
	Result *Result
}

// Mailbox is the bounded, order-preserving handoff between one worker's
// pump loop (single producer) and its consumer. Lines are copied on send,
// so ownership of the delivered bytes transfers exactly once and the
// accumulator's borrowed slices never escape the pump loop.
//
// A caller-supplied context value can be attached via the release callback:
// the mailbox guarantees it runs exactly once, after the consumer has seen
// the terminal event (or abandoned the mailbox).
type Mailbox struct {
	ch      chan Event
	release func()
	once    sync.Once
}

// NewMailbox creates a mailbox buffering up to capacity events. release may
// be nil.
func NewMailbox(capacity int, release func()) *Mailbox {
	if capacity <= 0 {
		capacity = 64
	}
	return &Mailbox{
		ch:      make(chan Event, capacity),
		release: release,
	}
}

// Line delivers a completed line. The slice is copied; callers may reuse
// the backing storage immediately. Blocks when the consumer falls behind by
// more than the mailbox capacity, preserving FIFO order.
func (m *Mailbox) Line(line []byte) {
	cp := make([]byte, len(line))
	copy(cp, line)
	m.ch <- Event{Line: cp}
}

// Finish delivers the terminal Result and closes the mailbox. Must be
// called exactly once, after the last Line.
func (m *Mailbox) Finish(res Result) {
	m.ch <- Event{Result: &res}
	close(m.ch)
}

// Events exposes the delivery channel for consumers that select across
// multiple sources. Consumers draining Events directly must call Release
// when done.
func (m *Mailbox) Events() <-chan Event { return m.ch }

// Release runs the release callback. Safe to call any number of times; the
// callback runs at most once.
func (m *Mailbox) Release() {
	m.once.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

// Consume invokes fn for every event in delivery order and releases the
// held context once the terminal event has been processed.
func (m *Mailbox) Consume(fn func(Event)) {
	defer m.Release()
	for ev := range m.ch {
		fn(ev)
	}
}
