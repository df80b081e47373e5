package backoff

// Package backoff implements exponential backoff with jitter, for retrying
// connections to devices that may be offline for a long time. We add jitter
// so that a house full of cameras coming back from a power failure doesn't
// hammer the network in lock step.

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before the next retry attempt.
// It is not safe for concurrent use. Each user (eg one camera session)
// owns its own Backoff.
type Backoff struct {
	Base   time.Duration // Delay after the first failure
	Max    time.Duration // Upper bound on the delay
	Jitter float64       // Fraction of the delay that we randomize, eg 0.25 for +/- 25%

	failures int
	rng      *rand.Rand
}

// New creates a Backoff with the given base and maximum delay, and 25% jitter.
func New(base, max time.Duration) *Backoff {
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: 0.25,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next records a failure and returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	delay := b.Base
	for i := 0; i < b.failures; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}
	b.failures++
	if b.Jitter > 0 {
		j := 1 + b.Jitter*(2*b.rng.Float64()-1)
		delay = time.Duration(float64(delay) * j)
	}
	if delay > time.Duration(float64(b.Max)*(1+b.Jitter)) {
		delay = b.Max
	}
	return delay
}

// Reset clears the failure count, so that the next delay is Base again.
// Call this after a successful attempt.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures returns the number of consecutive failures recorded since the last Reset.
func (b *Backoff) Failures() int {
	return b.failures
}
