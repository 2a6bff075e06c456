package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	v1 "tether/shared/contracts/sync/v1"
)

// HandleSSE is the server-push fallback channel.
//
// It is receive-only: clients on this channel queue outbound sends until the
// primary channel is restored. The stream replays missed events from the
// replay window (when ?last_seq= is supplied) and then forwards live
// broadcasts. A replay gap beyond the window is surfaced as an error event,
// never as silently partial data.
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	identity, err := g.AuthorizeHTTP(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastSeq int64 = -1
	if raw := strings.TrimSpace(r.URL.Query().Get("last_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid last_seq", http.StatusBadRequest)
			return
		}
		lastSeq = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	now := time.Now().UTC()
	sess := NewSession(newID(now), identity, "sse", g.sendQueueSize)
	g.registry.Add(sess)
	defer g.registry.Remove(sess.ID)

	ctx := r.Context()

	connectedPayload, _ := json.Marshal(v1.ConnectedPayload{
		SessionID:   sess.ID,
		LastSeq:     g.events.CurrentSeq(),
		ServerEpoch: g.events.Epoch(),
	})
	if err := writeSSE(w, newEnvelope(v1.TypeConnected, connectedPayload, now)); err != nil {
		return
	}
	flusher.Flush()

	if lastSeq >= 0 {
		missed, current, exhausted := g.events.Since(lastSeq)
		if exhausted {
			g.log.Info("sse.replay.exhausted", "session_id", sess.ID, "last_seq", lastSeq, "current_seq", current)
			p, _ := json.Marshal(v1.ErrorPayload{Code: v1.CodeReplayExhausted, Message: "replay window exceeded, full resync required"})
			if err := writeSSE(w, newEnvelope(v1.TypeError, p, now)); err != nil {
				return
			}
		} else {
			for _, env := range missed {
				if err := writeSSE(w, env); err != nil {
					return
				}
			}
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(g.heartbeatEvery)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case env := <-sess.Send:
			if err := writeSSE(w, env); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if env.Seq != nil {
		if _, err := fmt.Fprintf(w, "id: %d\n", *env.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
