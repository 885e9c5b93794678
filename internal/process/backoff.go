package process

import (
	"math/rand/v2"
	"time"
)

// Adaptive poll timeout defaults. The schedule bounds both the CPU spent
// busy-polling an idle worker and the latency before new output is noticed.
const (
	DefaultBackoffBase      = 50 * time.Millisecond
	DefaultBackoffCeiling   = 2 * time.Second
	DefaultBackoffMaxJitter = 25 * time.Millisecond
	DefaultBackoffThreshold = 10
)

// Backoff computes the adaptive poll timeout for one worker's pump loop. A
// ready poll resets the schedule to the base value; sustained idleness
// doubles the timeout up to the ceiling. Randomized jitter avoids
// synchronized wakeups across workers.
type Backoff struct {
	Base      time.Duration
	Ceiling   time.Duration
	MaxJitter time.Duration
	Threshold int // consecutive idle polls before doubling

	idle int
	cur  time.Duration
}

// NewBackoff returns a Backoff with the default schedule.
func NewBackoff() *Backoff {
	return &Backoff{
		Base:      DefaultBackoffBase,
		Ceiling:   DefaultBackoffCeiling,
		MaxJitter: DefaultBackoffMaxJitter,
		Threshold: DefaultBackoffThreshold,
	}
}

// Next returns the timeout for the upcoming poll given whether the previous
// poll was ready. The returned value is never below Base and never above
// Ceiling + MaxJitter.
func (b *Backoff) Next(ready bool) time.Duration {
	if b.cur == 0 {
		b.cur = b.Base
	}

	if ready {
		b.idle = 0
		b.cur = b.Base
	} else {
		b.idle++
		if b.idle > b.Threshold {
			b.idle = 0
			b.cur *= 2
			if b.cur > b.Ceiling {
				b.cur = b.Ceiling
			}
		}
	}

	d := b.cur
	if d < b.Base {
		d = b.Base
	}
	if d > b.Ceiling {
		d = b.Ceiling
	}
	if b.MaxJitter > 0 {
		d += rand.N(b.MaxJitter)
	}
	return d
}
