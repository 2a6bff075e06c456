package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultPromoteCooldown = 30 * time.Second

// FailoverController owns the channel priority ladder. It tries transports in
// declared order, remembers which rung is active, and rations promotion
// probes back toward the primary so a flapping websocket endpoint is not
// hammered. It opens at most one live connection at a time; demotion on a
// dead connection is immediate (the caller reconnects through Connect),
// promotion is probed on a cooldown.
type FailoverController struct {
	log        *slog.Logger
	transports []Transport
	cooldown   time.Duration
	clock      func() time.Time

	mu          sync.Mutex
	activeIdx   int // index into transports, -1 when disconnected
	lastProbeAt time.Time
}

// NewFailoverController takes transports in priority order (first is primary).
func NewFailoverController(log *slog.Logger, cooldown time.Duration, transports ...Transport) *FailoverController {
	if cooldown <= 0 {
		cooldown = defaultPromoteCooldown
	}
	return &FailoverController{
		log:        log,
		transports: transports,
		cooldown:   cooldown,
		clock:      time.Now,
		activeIdx:  -1,
	}
}

// Connect walks the ladder top to bottom and returns the first channel that
// opens. The attempt errors are joined when every rung fails.
func (f *FailoverController) Connect(ctx context.Context, lastSeen int64) (Conn, error) {
	var errs []error
	for i, t := range f.transports {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := t.Open(ctx, lastSeen)
		if err != nil {
			f.log.Warn("channel.open.failed", "method", t.Method(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Method(), err))
			continue
		}
		f.mu.Lock()
		f.activeIdx = i
		f.lastProbeAt = f.clock()
		f.mu.Unlock()
		if i > 0 {
			f.log.Info("channel.degraded", "method", t.Method())
		}
		return conn, nil
	}
	f.Demote()
	return nil, errors.Join(errs...)
}

// Degraded reports whether the active channel sits below the primary rung.
func (f *FailoverController) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeIdx > 0
}

// ActiveMethod returns the current channel method, or "" when disconnected.
func (f *FailoverController) ActiveMethod() Method {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeIdx < 0 {
		return ""
	}
	return f.transports[f.activeIdx].Method()
}

// Demote clears the active rung. Called when the live connection dies.
func (f *FailoverController) Demote() {
	f.mu.Lock()
	f.activeIdx = -1
	f.mu.Unlock()
}

// MaybePromote probes the rungs above the active one, at most once per
// cooldown. On success it returns the new connection; the caller tears down
// the old channel and swaps. Returns (nil, false) when not degraded, still
// cooling down, or every probe failed.
func (f *FailoverController) MaybePromote(ctx context.Context, lastSeen int64) (Conn, bool) {
	f.mu.Lock()
	if f.activeIdx <= 0 {
		f.mu.Unlock()
		return nil, false
	}
	if f.clock().Sub(f.lastProbeAt) < f.cooldown {
		f.mu.Unlock()
		return nil, false
	}
	f.lastProbeAt = f.clock()
	limit := f.activeIdx
	f.mu.Unlock()

	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return nil, false
		}
		t := f.transports[i]
		conn, err := t.Open(ctx, lastSeen)
		if err != nil {
			f.log.Debug("channel.promote.failed", "method", t.Method(), "error", err)
			continue
		}
		f.mu.Lock()
		f.activeIdx = i
		f.mu.Unlock()
		f.log.Info("channel.promoted", "method", t.Method())
		return conn, true
	}
	return nil, false
}
