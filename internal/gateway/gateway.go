// Package gateway contains Tether's session gateway: per-connection
// authentication, rate limiting, broadcast fan-out, and sync-request servicing
// against the sequenced event log.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	"tether/internal/eventlog"
	"tether/internal/metrics"
	"tether/internal/store"
	v1 "tether/shared/contracts/sync/v1"
)

const (
	wsSubprotocolV1 = "tether.sync.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the connection entrypoint for Tether sync.
//
// It enforces origin policy, subprotocol selection, the auth handshake, rate
// limits, and heartbeats, and routes validated envelopes to the Registry,
// ConversationStore, and event log.
type Gateway struct {
	log      *slog.Logger
	registry *Registry
	store    store.ConversationStore
	events   *eventlog.Log
	verifier CredentialVerifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	authDeadline    time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// New constructs a gateway with secure defaults.
// When registry/st/events are nil, in-memory implementations are used for dev.
func New(log *slog.Logger, registry *Registry, st store.ConversationStore, events *eventlog.Log, verifier CredentialVerifier) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	if events == nil {
		events = eventlog.New()
	}
	if verifier == nil {
		verifier = InsecureVerifier{}
	}

	g := &Gateway{log: log, registry: registry, store: st, events: events, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBool("TETHER_WS_DEV_INSECURE", false)

	g.originRequired = envBool("TETHER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSV("TETHER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDuration("TETHER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDuration("TETHER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.authDeadline = envDuration("TETHER_WS_AUTH_TIMEOUT", authTimeout)

	g.sendQueueSize = envInt("TETHER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDuration("TETHER_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDuration("TETHER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envInt("TETHER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDuration("TETHER_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Events exposes the sequenced event log (poll + SSE channels read from it).
func (g *Gateway) Events() *eventlog.Log { return g.events }

// Store exposes the conversation store backing this gateway.
func (g *Gateway) Store() store.ConversationStore { return g.store }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the sync loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	identity, err := g.handshake(ctx, conn)
	if err != nil {
		g.log.Info("ws.handshake.fail", "err", err, "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	sessionID := newID(time.Now().UTC())
	sess := NewSession(sessionID, identity, "ws", g.sendQueueSize)
	g.registry.Add(sess)

	// Handshake completion carries the current cursor and instance epoch so
	// the client can decide between gap replay and full resync.
	connectedPayload, _ := json.Marshal(v1.ConnectedPayload{
		SessionID:   sessionID,
		LastSeq:     g.events.CurrentSeq(),
		ServerEpoch: g.events.Epoch(),
	})
	if err := writeEnvelope(ctx, conn, newEnvelope(v1.TypeConnected, connectedPayload, time.Now().UTC()), g.writeTimeout); err != nil {
		g.registry.Remove(sessionID)
		_ = conn.Close(websocket.StatusAbnormalClosure, "connected write failed")
		return
	}

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close sess.Send.
	// Broadcast safety: sess.Send remains open and registry removal happens inside Remove.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Remove(sessionID)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case env := <-sess.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess, v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			metrics.RateLimitHits.WithLabelValues("ws").Inc()
			g.trySendError(ctx, sess, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, sess, env, now); err != nil {
				g.trySendError(ctx, sess, v1.CodeSendFailed, err.Error())
				continue readLoop
			}

		case v1.TypeSyncRequest:
			if err := g.onSyncRequest(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess, v1.CodeBadEnvelope, err.Error())
				continue readLoop
			}

		case v1.TypeRead:
			if err := g.onRead(ctx, sess, env, now); err != nil {
				g.trySendError(ctx, sess, v1.CodeBadEnvelope, err.Error())
				continue readLoop
			}

		case v1.TypePing:
			if !g.enqueue(ctx, sess, newEnvelope(v1.TypePong, nil, now)) {
				g.log.Info("ws.pong.drop", "session_id", sessionID)
			}

		default:
			g.trySendError(ctx, sess, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handshake runs the challenge/response exchange and returns the authenticated
// identity. Auth failures are terminal: they are surfaced once, never retried.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	now := time.Now().UTC()
	nonce := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()

	challengePayload, _ := json.Marshal(v1.AuthChallengePayload{Nonce: nonce})
	if err := writeEnvelope(ctx, conn, newEnvelope(v1.TypeAuthChallenge, challengePayload, now), g.writeTimeout); err != nil {
		return "", fmt.Errorf("write challenge: %w", err)
	}

	authCtx, cancel := context.WithTimeout(ctx, g.authDeadline)
	defer cancel()

	env, err := readEnvelope(authCtx, conn)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = g.writeErrorDirect(ctx, conn, v1.CodeAuthTimeout, "auth response not received in time")
			return "", errors.New("auth timeout")
		}
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	if env.Type != v1.TypeAuthResponse {
		_ = g.writeErrorDirect(ctx, conn, v1.CodeNotAuthed, "expected auth_response")
		return "", fmt.Errorf("expected auth_response, got %s", env.Type)
	}

	var p v1.AuthResponsePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid auth payload: %w", err)
	}
	if strings.TrimSpace(p.Identity) == "" {
		_ = g.writeErrorDirect(ctx, conn, v1.CodeAuthFailed, "missing identity")
		return "", errors.New("missing identity")
	}

	ok, err := g.verifier.Verify(p.Credential)
	if err != nil || !ok {
		metrics.AuthFailures.Inc()
		_ = g.writeErrorDirect(ctx, conn, v1.CodeAuthFailed, "bad credential")
		if err != nil {
			return "", fmt.Errorf("verify credential: %w", err)
		}
		return "", errors.New("bad credential")
	}

	return p.Identity, nil
}

// ---- handlers ----

func (g *Gateway) onMessageSend(ctx context.Context, sess *Session, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	res, seq, err := g.AppendAndBroadcast(ctx, AppendRequest{
		Scope:          store.Scope{A: p.Scope.A, B: p.Scope.B},
		From:           sess.Identity,
		Body:           p.Body,
		ClientOriginID: p.ClientOriginID,
		Now:            now,
		Channel:        "ws",
	})
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.DeliveredPayload{
		ClientOriginID: res.Stored.ClientOriginID,
		ServerID:       res.Stored.ID,
		Seq:            seq,
	})
	if !g.enqueue(ctx, sess, newEnvelope(v1.TypeDelivered, ackPayload, now)) {
		return errors.New("backpressure: delivered ack")
	}
	return nil
}

// AppendRequest is a validated send from any channel (ws or REST).
type AppendRequest struct {
	Scope          store.Scope
	From           string
	Body           string
	ClientOriginID string
	Now            time.Time
	Channel        string
}

// AppendAndBroadcast appends to the conversation store and, for non-duplicate
// messages, assigns a sequence and fans the event out to every live session.
//
// For duplicates the returned seq is the current broadcast cursor: the
// original event either already reached the client or is covered by replay.
func (g *Gateway) AppendAndBroadcast(ctx context.Context, req AppendRequest) (store.AppendResult, int64, error) {
	if !req.Scope.Valid() {
		return store.AppendResult{}, 0, errors.New("invalid scope")
	}
	if strings.TrimSpace(req.ClientOriginID) == "" {
		return store.AppendResult{}, 0, errors.New("missing client_origin_id")
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return store.AppendResult{}, 0, errors.New("empty body")
	}
	if len([]rune(body)) > maxMessageChars {
		return store.AppendResult{}, 0, fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	res, err := g.store.Append(ctx, store.AppendInput{
		Scope:          req.Scope,
		From:           req.From,
		Body:           body,
		ClientOriginID: req.ClientOriginID,
		Now:            req.Now,
	})
	if err != nil {
		return store.AppendResult{}, 0, fmt.Errorf("store append: %w", err)
	}

	if res.Duplicated {
		return res, g.events.CurrentSeq(), nil
	}

	metrics.MessagesAppended.WithLabelValues(req.Channel).Inc()

	stored := res.Stored
	msgPayload, _ := json.Marshal(v1.MessagePayload{
		ID:             stored.ID,
		Scope:          v1.Scope{A: stored.Scope.A, B: stored.Scope.B},
		From:           stored.From,
		Body:           stored.Body,
		TS:             stored.CreatedAt,
		ClientOriginID: stored.ClientOriginID,
	})

	stamped := g.events.Append(newEnvelope(v1.TypeMessage, msgPayload, stored.CreatedAt))
	g.registry.Broadcast(stamped)

	return res, *stamped.Seq, nil
}

func (g *Gateway) onSyncRequest(ctx context.Context, sess *Session, env v1.Envelope) error {
	var p v1.SyncRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	missed, current, exhausted := g.events.Since(p.LastSeqSeen)
	if exhausted {
		metrics.ReplayRequests.WithLabelValues("window_exhausted").Inc()
		g.log.Info("sync.replay.exhausted", "session_id", sess.ID, "last_seq_seen", p.LastSeqSeen, "current_seq", current)
	} else {
		metrics.ReplayRequests.WithLabelValues("ok").Inc()
	}

	respPayload, _ := json.Marshal(v1.SyncResponsePayload{
		Missed:          missed,
		CurrentSeq:      current,
		WindowExhausted: exhausted,
	})
	if !g.enqueue(ctx, sess, newEnvelope(v1.TypeSyncResponse, respPayload, time.Now().UTC())) {
		return errors.New("backpressure: sync response")
	}
	return nil
}

func (g *Gateway) onRead(ctx context.Context, sess *Session, env v1.Envelope, now time.Time) error {
	var p v1.ReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	scope := store.Scope{A: p.Scope.A, B: p.Scope.B}
	if !scope.Valid() {
		return errors.New("invalid scope")
	}
	if strings.TrimSpace(p.UpToID) == "" {
		return errors.New("missing up_to_id")
	}

	if _, err := g.store.MarkRead(ctx, scope, p.UpToID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	// Read-state changes are sequenced broadcasts too, so every client applies
	// the generic "any envelope with seq advances the cursor" rule.
	p.By = sess.Identity
	readPayload, _ := json.Marshal(p)
	stamped := g.events.Append(newEnvelope(v1.TypeRead, readPayload, now))
	g.registry.Broadcast(stamped)
	return nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, sess *Session, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, sess, env)
}

// writeErrorDirect is used before a session exists (handshake failures).
func (g *Gateway) writeErrorDirect(ctx context.Context, conn *websocket.Conn, code, msg string) error {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, p, time.Now().UTC()), g.writeTimeout)
}

func (g *Gateway) enqueue(ctx context.Context, sess *Session, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-sess.Done():
		return false
	case sess.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
