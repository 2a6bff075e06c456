package gateway

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event over the limit should be rejected")
	}
}

func TestRateLimiterSlidesWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, 10*time.Second)

	if !rl.Allow(now) || !rl.Allow(now.Add(time.Second)) {
		t.Fatalf("first two events should be allowed")
	}
	if rl.Allow(now.Add(2 * time.Second)) {
		t.Fatalf("third event inside the window should be rejected")
	}

	// First event ages out; capacity opens again.
	if !rl.Allow(now.Add(10*time.Second + time.Millisecond)) {
		t.Fatalf("event after the window slid should be allowed")
	}
}

func TestRateLimiterDefaultsOnInvalidConfig(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("expected defaults, got limit=%d window=%v", rl.limit, rl.window)
	}
}
