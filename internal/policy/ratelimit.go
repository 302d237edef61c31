package policy

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit events within any sliding window.
type RateLimiter struct {
	mu         sync.Mutex
	limit      int
	window     time.Duration
	timestamps []time.Time // oldest first
	now        func() time.Time
}

// NewRateLimiter creates a sliding-window limiter. A non-positive limit admits nothing.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, now: time.Now}
}

// Check evicts timestamps that left the window and either records a new event
// or fails with a rate-limit NetworkError whose RetryAfter is the time until
// the oldest recorded event exits the window.
func (r *RateLimiter) Check() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.evict(now)

	if len(r.timestamps) >= r.limit {
		retryAfter := r.window
		if len(r.timestamps) > 0 {
			retryAfter = r.window - now.Sub(r.timestamps[0])
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return RateLimitError(retryAfter, r.limit)
	}

	r.timestamps = append(r.timestamps, now)
	return nil
}

// Allow is Check without recording: it reports whether an event would be admitted.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(r.now())
	return len(r.timestamps) < r.limit
}

// Record stores an event unconditionally.
func (r *RateLimiter) Record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timestamps = append(r.timestamps, r.now())
}

// Usage returns the number of events in the current window and the limit.
func (r *RateLimiter) Usage() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(r.now())
	return len(r.timestamps), r.limit
}

// Reset forgets every recorded event.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timestamps = r.timestamps[:0]
}

func (r *RateLimiter) evict(now time.Time) {
	i := 0
	for i < len(r.timestamps) && now.Sub(r.timestamps[i]) >= r.window {
		i++
	}
	if i > 0 {
		r.timestamps = append(r.timestamps[:0], r.timestamps[i:]...)
	}
}
