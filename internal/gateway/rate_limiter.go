package gateway

import (
	"sync"
	"time"
)

// RateLimiter bounds how many protocol events one session may emit inside a
// sliding window. Every session gets its own limiter, so a chatty client
// throttles itself without touching anyone else's budget.
//
// Timestamps are expected in non-decreasing order (each ws session calls
// Allow from its single read loop). Concurrent REST callers off the same
// clock can invert by their skew; an inversion only delays expiry of the
// head, it never admits past the limit.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time // admission times, oldest first
	limit  int
	window time.Duration
}

// NewRateLimiter falls back to the gateway defaults when the configured
// limit or window is unusable.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow admits the event at now if the window has capacity, recording it.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Admissions are ordered, so everything expired sits at the head.
	cut := now.Add(-r.window)
	drop := 0
	for drop < len(r.events) && !r.events[drop].After(cut) {
		drop++
	}
	if drop > 0 {
		r.events = append(r.events[:0], r.events[drop:]...)
	}

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
