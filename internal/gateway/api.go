package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tether/internal/metrics"
	"tether/internal/store"
	v1 "tether/shared/contracts/sync/v1"
)

// REST rate limit defaults (per client IP).
const (
	restRateEvents = 240
	restRateWindow = time.Minute
)

// identityHeader names the logical endpoint acting on behalf of the request.
const identityHeader = "X-Tether-Identity"

// AuthorizeHTTP authenticates a REST/SSE request and returns the caller's
// identity. The credential travels as a bearer token; the identity as a
// header (or query parameter for EventSource clients, which cannot set
// headers).
func (g *Gateway) AuthorizeHTTP(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}

	ok, err := g.verifier.Verify(token)
	if err != nil || !ok {
		metrics.AuthFailures.Inc()
		return "", errors.New("gateway: bad credential")
	}

	identity := strings.TrimSpace(r.Header.Get(identityHeader))
	if identity == "" {
		identity = strings.TrimSpace(r.URL.Query().Get("identity"))
	}
	if identity == "" {
		return "", errors.New("gateway: missing identity")
	}
	return identity, nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// Router builds the REST-style query interface used for initial load,
// pagination, search, the polling channel, and the SSE stream.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: g.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", identityHeader},
		MaxAge:         300,
	}))
	r.Use(g.restRateLimit())

	r.Get("/messages", g.handleListMessages)
	r.Get("/messages/search", g.handleSearchMessages)
	r.Post("/messages", g.handleSendMessage)
	r.Get("/events/poll", g.handlePollEvents)
	r.Get("/events/stream", g.HandleSSE)

	return r
}

// ---- handlers ----

type messageJSON struct {
	ID             string    `json:"id"`
	Scope          v1.Scope  `json:"scope"`
	From           string    `json:"from"`
	Body           string    `json:"body"`
	TS             time.Time `json:"ts"`
	Status         string    `json:"status"`
	ClientOriginID string    `json:"client_origin_id,omitempty"`
}

type listResponse struct {
	Items   []messageJSON `json:"items"`
	HasMore bool          `json:"has_more"`
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := g.AuthorizeHTTP(r); err != nil {
		writeAPIError(w, http.StatusUnauthorized, v1.CodeAuthFailed, "authentication required")
		return
	}

	q := r.URL.Query()
	scope := store.Scope{A: q.Get("a"), B: q.Get("b")}
	if !scope.Valid() {
		writeAPIError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "both scope endpoints required")
		return
	}

	in := store.QueryInput{Scope: scope, BeforeID: strings.TrimSpace(q.Get("before_id"))}

	if raw := strings.TrimSpace(q.Get("before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "invalid before timestamp")
			return
		}
		if in.BeforeID == "" {
			// A cursor is valid only with both fields; a lone timestamp would
			// make the boundary message ambiguous.
			writeAPIError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "before requires before_id")
			return
		}
		in.Before = &t
	}

	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "invalid limit")
			return
		}
		in.Limit = n
	}

	res, err := g.store.Query(r.Context(), in)
	if err != nil {
		if errors.Is(err, store.ErrCursorNotFound) {
			writeAPIError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "cursor message not found")
			return
		}
		g.log.Error("api.messages.query.fail", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal", "query failed")
		return
	}

	writeJSON(w, http.StatusOK, listResponse{Items: toMessageJSON(res.Messages), HasMore: res.HasMore})
}

func (g *Gateway) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := g.AuthorizeHTTP(r); err != nil {
		writeAPIError(w, http.StatusUnauthorized, v1.CodeAuthFailed, "authentication required")
		return
	}

	q := r.URL.Query()
	scope := store.Scope{A: q.Get("a"), B: q.Get("b")}
	if !scope.Valid() {
		writeAPIError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "both scope endpoints required")
		return
	}

	needle := strings.TrimSpace(q.Get("q"))
	if needle == "" {
		writeAPIError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "missing q")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := g.store.Search(r.Context(), scope, needle, limit)
	if err != nil {
		g.log.Error("api.messages.search.fail", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal", "search failed")
		return
	}

	writeJSON(w, http.StatusOK, listResponse{Items: toMessageJSON(msgs)})
}

type sendRequest struct {
	Scope          v1.Scope `json:"scope"`
	Body           string   `json:"body"`
	ClientOriginID string   `json:"client_origin_id"`
}

type sendResponse struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	TS         time.Time `json:"ts"`
	Duplicated bool      `json:"duplicated"`
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := g.AuthorizeHTTP(r)
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, v1.CodeAuthFailed, "authentication required")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, v1.CodeBadJSON, "invalid JSON body")
		return
	}

	res, seq, err := g.AppendAndBroadcast(r.Context(), AppendRequest{
		Scope:          store.Scope{A: req.Scope.A, B: req.Scope.B},
		From:           identity,
		Body:           req.Body,
		ClientOriginID: req.ClientOriginID,
		Now:            time.Now().UTC(),
		Channel:        "rest",
	})
	if err != nil {
		writeAPIError(w, http.StatusUnprocessableEntity, v1.CodeSendFailed, err.Error())
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, sendResponse{
		ID:         res.Stored.ID,
		Seq:        seq,
		TS:         res.Stored.CreatedAt,
		Duplicated: res.Duplicated,
	})
}

type pollResponse struct {
	Events          []v1.Envelope `json:"events"`
	CurrentSeq      int64         `json:"current_seq"`
	ServerEpoch     string        `json:"server_epoch"`
	WindowExhausted bool          `json:"window_exhausted"`
}

func (g *Gateway) handlePollEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := g.AuthorizeHTTP(r); err != nil {
		writeAPIError(w, http.StatusUnauthorized, v1.CodeAuthFailed, "authentication required")
		return
	}

	var afterSeq int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeAPIError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "invalid after_seq")
			return
		}
		afterSeq = n
	}

	events, current, exhausted := g.events.Since(afterSeq)
	if exhausted {
		metrics.ReplayRequests.WithLabelValues("window_exhausted").Inc()
	} else {
		metrics.ReplayRequests.WithLabelValues("ok").Inc()
	}

	writeJSON(w, http.StatusOK, pollResponse{
		Events:          events,
		CurrentSeq:      current,
		ServerEpoch:     g.events.Epoch(),
		WindowExhausted: exhausted,
	})
}

// ---- response helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Code: code, Message: msg})
}

func toMessageJSON(msgs []store.Message) []messageJSON {
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:             m.ID,
			Scope:          v1.Scope{A: m.Scope.A, B: m.Scope.B},
			From:           m.From,
			Body:           m.Body,
			TS:             m.CreatedAt,
			Status:         string(m.Status),
			ClientOriginID: m.ClientOriginID,
		})
	}
	return out
}

// ---- REST rate limiting ----

// restRateLimit applies a per-IP sliding window across the REST surface.
// Violations are a distinct, observable error (429 + rate_limited code), never
// swallowed.
func (g *Gateway) restRateLimit() func(http.Handler) http.Handler {
	limiter := &ipRateLimiter{
		limits: make(map[string]*RateLimiter),
		events: envInt("TETHER_REST_RATE_EVENTS", restRateEvents),
		window: envDuration("TETHER_REST_RATE_WINDOW", restRateWindow),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.allow(ip, time.Now()) {
				metrics.RateLimitHits.WithLabelValues("rest").Inc()
				writeAPIError(w, http.StatusTooManyRequests, v1.CodeRateLimited, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ipRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*RateLimiter
	events int
	window time.Duration
}

func (l *ipRateLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	rl := l.limits[ip]
	if rl == nil {
		rl = NewRateLimiter(l.events, l.window)
		l.limits[ip] = rl
		// Bound the table; a full reset just grants one fresh window.
		if len(l.limits) > 10_000 {
			l.limits = map[string]*RateLimiter{ip: rl}
		}
	}
	l.mu.Unlock()

	return rl.Allow(now)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
