package policy

import (
	"sync"
	"time"
)

// Backoff tracks consecutive failures and the current backoff duration.
type Backoff struct {
	mu         sync.Mutex
	base       time.Duration
	multiplier float64
	max        time.Duration
	current    time.Duration
	failures   int
}

// NewBackoff creates backoff state starting at base.
func NewBackoff(base time.Duration, multiplier float64, max time.Duration) *Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	return &Backoff{base: base, multiplier: multiplier, max: max, current: base}
}

// RecordFailure grows the backoff by the multiplier, capped at max, and
// returns the new duration.
func (b *Backoff) RecordFailure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max || next < b.current {
		next = b.max
	}
	b.current = next
	return b.current
}

// RecordSuccess resets the state to baseline.
func (b *Backoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.current = b.base
}

// Current returns the backoff duration to apply before the next attempt.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Failures returns the consecutive failure count.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// ExponentialDelay returns min(base * 2^attempts, max).
func ExponentialDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
