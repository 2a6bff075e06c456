package client

import (
	"testing"
	"time"
)

// maxJitter makes the schedule deterministic at the top of the jitter range,
// so each delay equals its nominal value.
func maxJitter(n int64) int64 { return n - 1 }

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := &Backoff{Rand: maxJitter}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", i)
		}
		// maxJitter yields half + half = nominal, minus rounding on odd halves.
		if d < w/2 || d > w {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", i, d, w/2, w)
		}
	}

	if _, ok := b.Next(); ok {
		t.Fatalf("expected the attempt budget to be exhausted")
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	minB := &Backoff{Rand: func(n int64) int64 { return 0 }}
	d, ok := minB.Next()
	if !ok {
		t.Fatalf("first attempt must be allowed")
	}
	if d != 500*time.Millisecond {
		t.Fatalf("minimum jitter of a 1s delay is 500ms, got %v", d)
	}
}

func TestBackoffReset(t *testing.T) {
	b := &Backoff{MaxAttempts: 2, Rand: maxJitter}

	if _, ok := b.Next(); !ok {
		t.Fatalf("attempt 1 must be allowed")
	}
	if _, ok := b.Next(); !ok {
		t.Fatalf("attempt 2 must be allowed")
	}
	if _, ok := b.Next(); ok {
		t.Fatalf("attempt 3 must be denied")
	}

	b.Reset()
	d, ok := b.Next()
	if !ok {
		t.Fatalf("reset must restore the budget")
	}
	if d > time.Second {
		t.Fatalf("reset must restart from the base delay, got %v", d)
	}
	if b.Attempts() != 1 {
		t.Fatalf("expected 1 consumed attempt, got %d", b.Attempts())
	}
}

func TestBackoffCustomBounds(t *testing.T) {
	b := &Backoff{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond, MaxAttempts: 4, Rand: maxJitter}

	var prev time.Duration
	for i := 0; i < 4; i++ {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d denied", i)
		}
		if d > 300*time.Millisecond {
			t.Fatalf("delay %v exceeds cap", d)
		}
		if d < prev && prev <= 300*time.Millisecond/2 {
			t.Fatalf("delays should not shrink before the cap: %v after %v", d, prev)
		}
		prev = d
	}
}
