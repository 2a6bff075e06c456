package client

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrRetriesExhausted is returned when the reconnection loop has used up its
// attempt budget. The client stays disconnected until an external trigger
// (a user action, network-change notification) restarts the loop.
var ErrRetriesExhausted = errors.New("client: reconnect attempts exhausted")

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultMaxAttempts = 8
)

// Backoff is an exponential backoff schedule with jitter and a bounded
// attempt budget. Zero fields take the defaults. Safe for concurrent use.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Rand allows deterministic jitter in tests; defaults to math/rand.
	Rand func(n int64) int64

	mu      sync.Mutex
	attempt int
}

// Next returns the delay before the upcoming attempt and whether an attempt
// is still allowed. The delay doubles per attempt up to Max, then each value
// is jittered to half-to-full of the nominal delay so a fleet of clients
// does not reconnect in lockstep.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if b.attempt >= maxAttempts {
		return 0, false
	}

	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	ceil := b.Max
	if ceil <= 0 {
		ceil = defaultBackoffMax
	}

	d := base << b.attempt
	if d > ceil || d <= 0 { // <= 0 guards shift overflow
		d = ceil
	}
	b.attempt++

	intn := b.Rand
	if intn == nil {
		intn = rand.Int63n
	}
	half := int64(d / 2)
	if half > 0 {
		d = time.Duration(half + intn(half+1))
	}
	return d, true
}

// Attempts reports how many attempts have been consumed since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset clears the schedule. Called on a successful connection and on
// external triggers so user-visible retries start fast again.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
