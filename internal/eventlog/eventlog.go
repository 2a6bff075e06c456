// Package eventlog contains Tether's sequenced broadcast log and replay window.
package eventlog

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	v1 "tether/shared/contracts/sync/v1"
)

const (
	// Replay window bounds: whichever is reached first wins.
	DefaultMaxEvents = 1000
	DefaultMaxAge    = 1 * time.Hour
)

// Log is an append-only, globally ordered broadcast history with a bounded
// in-memory replay window.
//
// Sequence numbers are strictly increasing per instance and reset only on
// restart; the instance Epoch makes a restart externally observable so clients
// can distinguish "nothing missed" from "history may be gapped".
type Log struct {
	epoch string

	mu        sync.Mutex
	seq       int64
	events    []entry // ordered by seq ASC
	maxEvents int
	maxAge    time.Duration
	now       func() time.Time
}

// entry pairs an envelope with the time it entered the window. Retention is
// keyed to appendedAt: an envelope's TS is business data (a message's
// CreatedAt) and may lag wall clock arbitrarily, so aging on it would evict
// fresh events and produce spurious window exhaustion.
type entry struct {
	env        v1.Envelope
	appendedAt time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithMaxEvents bounds the window by event count.
func WithMaxEvents(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithMaxAge bounds the window by event age.
func WithMaxAge(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.maxAge = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a Log and mints a fresh instance epoch.
func New(opts ...Option) *Log {
	l := &Log{
		epoch:     ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String(),
		maxEvents: DefaultMaxEvents,
		maxAge:    DefaultMaxAge,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.events = make([]entry, 0, min(l.maxEvents, 256))
	return l
}

// Epoch returns the instance epoch assigned at construction.
func (l *Log) Epoch() string { return l.epoch }

// CurrentSeq returns the last assigned sequence number (0 before any append).
func (l *Log) CurrentSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append assigns the next sequence number to env, records it in the replay
// window, and returns the stamped envelope.
func (l *Log) Append(env v1.Envelope) v1.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.seq++
	seq := l.seq
	env.Seq = &seq
	if env.TS.IsZero() {
		env.TS = now
	}

	l.events = append(l.events, entry{env: env, appendedAt: now})
	l.evictLocked(now)

	return env
}

// Since returns every retained event with seq > lastSeen plus the current
// cursor. WindowExhausted reports that lastSeen predates the oldest retained
// entry, meaning replay would be silently partial; callers must treat that as
// a full-resync condition, not as data.
func (l *Log) Since(lastSeen int64) (missed []v1.Envelope, currentSeq int64, windowExhausted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictLocked(l.now())

	currentSeq = l.seq
	if lastSeen >= currentSeq {
		return nil, currentSeq, false
	}

	if len(l.events) == 0 {
		// Everything after lastSeen has been evicted.
		return nil, currentSeq, true
	}

	oldest := *l.events[0].env.Seq
	if lastSeen < oldest-1 {
		return nil, currentSeq, true
	}

	// events are seq-ordered and gapless, so slice directly.
	start := int(lastSeen - oldest + 1)
	if start < 0 {
		start = 0
	}
	out := make([]v1.Envelope, 0, len(l.events)-start)
	for _, e := range l.events[start:] {
		out = append(out, e.env)
	}
	return out, currentSeq, false
}

func (l *Log) evictLocked(now time.Time) {
	if l.maxAge > 0 {
		cut := now.Add(-l.maxAge)
		drop := 0
		for drop < len(l.events) && l.events[drop].appendedAt.Before(cut) {
			drop++
		}
		if drop > 0 {
			l.events = append(l.events[:0], l.events[drop:]...)
		}
	}

	if l.maxEvents > 0 && len(l.events) > l.maxEvents {
		over := len(l.events) - l.maxEvents
		l.events = append(l.events[:0], l.events[over:]...)
	}
}
