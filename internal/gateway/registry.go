package gateway

import (
	"log/slog"
	"sync"

	"tether/internal/metrics"
	v1 "tether/shared/contracts/sync/v1"
)

// Registry owns the live session table and broadcast fan-out.
//
// Broadcast history is global: every sequenced event reaches every live
// session, so a single per-gateway sequence cursor is sufficient for gap
// detection on the client.
//
// Concurrency guarantees:
// - Add/Remove are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Session.Send is never closed by the server.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs a Registry instance.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Add registers an authenticated session.
func (r *Registry) Add(s *Session) {
	if r == nil || s == nil || s.ID == "" {
		return
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.SessionsConnected.Set(float64(n))
	r.log.Info("registry.session.add", "session_id", s.ID, "identity", s.Identity, "method", s.Method)
}

// Remove drops a session from the table and signals its shutdown.
func (r *Registry) Remove(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	var s *Session

	r.mu.Lock()
	s = r.sessions[sessionID]
	delete(r.sessions, sessionID)
	n := len(r.sessions)
	r.mu.Unlock()

	// Signal shutdown after removing from the table. This ordering avoids race
	// windows where a broadcaster still holds a pointer while the session
	// goroutines are being torn down.
	if s != nil {
		s.Close()
	}

	metrics.SessionsConnected.Set(float64(n))
	r.log.Info("registry.session.remove", "session_id", sessionID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast fans an envelope out to all live sessions.
// Non-blocking: if a session queue is full or the session is shutting down, it is dropped;
// the client recovers through seq-gap replay on its next sync.
func (r *Registry) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	metrics.BroadcastsFanned.Inc()

	for _, s := range r.sessions {
		if s == nil {
			continue
		}

		select {
		case <-s.Done():
			// Skip sessions that are shutting down.
			continue
		default:
		}

		select {
		case s.Send <- env:
		default:
			// Drop rather than block the whole fan-out.
		}
	}
}
