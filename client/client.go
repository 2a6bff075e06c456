// Package client is the Go client for the tether sync gateway.
//
// It keeps one live delivery channel to the server (websocket first, then
// server-sent events, then polling), replays missed broadcast events after a
// reconnect, queues outbound messages for at-least-once delivery, and merges
// server history with optimistic local rows into per-conversation timelines.
//
// All connection management runs on a single internal loop; the exported
// methods are safe for concurrent use.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	v1 "tether/shared/contracts/sync/v1"
)

const (
	defaultPageSize       = 50
	promoteCheckInterval  = 5 * time.Second
	expireCheckInterval   = time.Second
	cursorPersistInterval = 5 * time.Second
)

// Options configures a Client. BaseURL, Token and Identity are required.
type Options struct {
	// BaseURL is the gateway's HTTP root, e.g. "https://sync.example.com".
	BaseURL  string
	Token    string
	Identity string

	// CachePath is the sqlite file backing the persistent cache.
	// Empty uses an in-memory cache that does not survive restarts.
	CachePath string

	Logger *slog.Logger
	HTTP   *http.Client

	// Handlers receive upward events. See Handlers for threading rules.
	Handlers Handlers

	// PendingTimeout is how long an unacknowledged send stays in flight
	// before it is surfaced as failed. Zero uses the default.
	PendingTimeout time.Duration
	// PromoteCooldown throttles probes back toward the primary channel.
	PromoteCooldown time.Duration
	// PollInterval drives the last-resort polling channel.
	PollInterval time.Duration
	// Backoff overrides the reconnect schedule. Zero value uses defaults.
	Backoff Backoff

	// Transports overrides the channel ladder; tests inject fakes here.
	// Default: websocket, SSE, polling against BaseURL.
	Transports []Transport
}

// Client is the conversational sync client.
type Client struct {
	log      *slog.Logger
	handlers Handlers
	identity string

	rest     *restClient
	failover *FailoverController
	queue    *OutboundQueue
	recon    *Reconciler
	cache    *Cache
	backoff  *Backoff
	sf       singleflight.Group

	mu          sync.Mutex
	state       State
	method      Method
	conn        Conn
	lastSeq     int64
	epoch       string
	activeScope *v1.Scope
	unread      map[string]int
	pendingRead map[string]v1.ReadPayload // by scope key, awaiting a live primary channel
	cursorDirty bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New builds a Client and loads the persisted cursor. Call Start to connect.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" || opts.Token == "" || opts.Identity == "" {
		return nil, errors.New("client: BaseURL, Token and Identity are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cachePath := opts.CachePath
	if cachePath == "" {
		cachePath = ":memory:"
	}
	cache, err := OpenCache(cachePath)
	if err != nil {
		return nil, err
	}

	transports := opts.Transports
	if len(transports) == 0 {
		transports = []Transport{
			&WSTransport{URL: wsURL(opts.BaseURL), Token: opts.Token, Identity: opts.Identity, HTTP: opts.HTTP},
			&SSETransport{URL: opts.BaseURL + "/v1/events/stream", Token: opts.Token, Identity: opts.Identity, HTTP: opts.HTTP},
			&PollTransport{BaseURL: opts.BaseURL, Token: opts.Token, Identity: opts.Identity, Interval: opts.PollInterval, HTTP: opts.HTTP},
		}
	}

	backoff := opts.Backoff
	c := &Client{
		log:         log,
		handlers:    opts.Handlers,
		identity:    opts.Identity,
		rest:        newRESTClient(opts.BaseURL, opts.Token, opts.Identity, opts.HTTP),
		failover:    NewFailoverController(log, opts.PromoteCooldown, transports...),
		queue:       NewOutboundQueue(opts.PendingTimeout),
		recon:       NewReconciler(0),
		cache:       cache,
		backoff:     &backoff,
		state:       StateDisconnected,
		lastSeq:     -1,
		unread:      make(map[string]int),
		pendingRead: make(map[string]v1.ReadPayload),
		kick:        make(chan struct{}, 1),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if seq, epoch, ok, err := cache.LoadCursor(ctx); err != nil {
		log.Warn("cache.cursor.load_failed", "error", err)
	} else if ok {
		c.lastSeq = seq
		c.epoch = epoch
	}
	return c, nil
}

// Start launches the connection loop. It returns immediately; observe
// progress through Handlers.OnConnectionStateChanged.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client: closed")
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("client: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
	return nil
}

// Close tears the client down. Queued-but-unacknowledged messages remain in
// the outbound queue until the process exits; the server-side origin-id
// dedup makes re-sending them from a fresh process harmless.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	ctx, cancelPersist := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelPersist()
	c.persistCursor(ctx)
	return c.cache.Close()
}

// ---- connection loop ----

func (c *Client) run(ctx context.Context) {
	for ctx.Err() == nil {
		c.setState(StateConnecting, "")

		// Open covers both the dial and the credential exchange.
		c.setState(StateAuthenticating, "")
		conn, err := c.failover.Connect(ctx, c.replayCursor())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("connect.failed", "error", err)
			c.setState(StateConnecting, "")
			if !c.waitBackoff(ctx) {
				return
			}
			continue
		}
		// A healthy session pays back the attempt budget; the next outage
		// starts its schedule from the base delay.
		c.backoff.Reset()

		c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.failover.Demote()
		c.queue.RequeueInFlight()
		c.persistCursor(context.Background())
		c.setState(StateDisconnected, "")
	}
}

// waitBackoff sleeps out the next backoff step. Returns false when the
// attempt budget is spent and no external trigger arrives, or on shutdown.
func (c *Client) waitBackoff(ctx context.Context) bool {
	delay, ok := c.backoff.Next()
	if !ok {
		c.log.Warn("connect.gave_up", "attempts", c.backoff.Attempts())
		c.setState(StateDisconnected, "")
		select {
		case <-ctx.Done():
			return false
		case <-c.kick:
			c.backoff.Reset()
			return true
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.kick:
		c.backoff.Reset()
		return true
	case <-timer.C:
		return true
	}
}

// serve owns one live connection until it dies or the context ends.
func (c *Client) serve(ctx context.Context, conn Conn) {
	defer conn.Close()

	method := conn.Method()
	cp := conn.Connected()

	c.mu.Lock()
	c.conn = conn
	c.method = method
	needFullResync := c.epoch != "" && c.epoch != cp.ServerEpoch
	fresh := c.epoch == ""
	if needFullResync || fresh {
		c.epoch = cp.ServerEpoch
		c.lastSeq = cp.LastSeq
		c.cursorDirty = true
	}
	hadCursor := !needFullResync && !fresh
	active := c.activeScope
	c.mu.Unlock()

	if needFullResync {
		c.log.Info("sync.epoch_changed", "epoch", cp.ServerEpoch)
		// Drop the stale cursor immediately; a crash before the next
		// periodic persist must not resurrect the old epoch's position.
		if err := c.cache.ResetCursor(ctx); err != nil {
			c.log.Warn("cache.cursor.reset_failed", "error", err)
		}
		c.fullResync(ctx, active)
	}

	if hadCursor {
		c.setState(StateSyncingGaps, method)
	}
	// SSE and polling replay at open; the websocket's sync_response flips
	// the state below. Either way live traffic flows from here.
	if method != MethodWebSocket || !hadCursor {
		c.setState(StateLive, method)
	}

	c.flushPendingReads(ctx)
	c.sendReady(ctx)

	promote := time.NewTicker(promoteCheckInterval)
	defer promote.Stop()
	expire := time.NewTicker(expireCheckInterval)
	defer expire.Stop()
	persist := time.NewTicker(cursorPersistInterval)
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-conn.Recv():
			if !ok {
				c.log.Warn("channel.lost", "method", method, "error", conn.Err())
				return
			}
			c.handleEnvelope(ctx, env)

		case <-expire.C:
			for _, entry := range c.queue.ExpireStale() {
				c.log.Warn("send.timeout", "client_origin_id", entry.ClientOriginID)
				c.recon.MarkOptimisticFailed(entry.Scope, entry.ClientOriginID)
				if c.handlers.OnOutboundFailed != nil {
					c.handlers.OnOutboundFailed(entry)
				}
			}
			c.sendReady(ctx)

		case <-persist.C:
			c.persistCursor(ctx)

		case <-promote.C:
			better, ok := c.failover.MaybePromote(ctx, c.replayCursor())
			if !ok {
				continue
			}
			conn.Close()
			// Drain the dying connection's channel, then swap.
			for range conn.Recv() {
			}
			c.queue.RequeueInFlight()
			c.serve(ctx, better)
			return
		}
	}
}

func (c *Client) handleEnvelope(ctx context.Context, env v1.Envelope) {
	c.advanceCursor(env.Seq)

	switch env.Type {
	case v1.TypeMessage:
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("event.bad_payload", "type", env.Type, "error", err)
			return
		}
		c.onMessage(ctx, p)

	case v1.TypeDelivered:
		var p v1.DeliveredPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("event.bad_payload", "type", env.Type, "error", err)
			return
		}
		if c.queue.Ack(p.ClientOriginID) {
			c.sendReady(ctx)
		}

	case v1.TypeRead:
		var p v1.ReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("event.bad_payload", "type", env.Type, "error", err)
			return
		}
		c.recon.ApplyRead(p.Scope, p.UpToID, p.By)

	case v1.TypeSyncResponse:
		var p v1.SyncResponsePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("event.bad_payload", "type", env.Type, "error", err)
			return
		}
		c.onSyncResponse(ctx, p)

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.onServerError(ctx, p)

	case v1.TypePong:
		// Liveness answer; nothing to apply.

	default:
		c.log.Debug("event.ignored", "type", env.Type)
	}
}

func (c *Client) onMessage(ctx context.Context, p v1.MessagePayload) {
	msg := serverMessage(p)
	c.recon.ApplyLiveEvent(msg.Scope, msg)

	if err := c.cache.SaveMessages(ctx, msg.Scope, []TimelineMessage{msg}); err != nil {
		c.log.Warn("cache.save_failed", "error", err)
	}

	c.mu.Lock()
	key := scopeKey(msg.Scope)
	isActive := c.activeScope != nil && scopeKey(*c.activeScope) == key
	var unread int
	countIt := !isActive && msg.From != c.identity
	if countIt {
		c.unread[key]++
		unread = c.unread[key]
	}
	c.mu.Unlock()

	if c.handlers.OnNewMessage != nil {
		c.handlers.OnNewMessage(msg.Scope, msg)
	}
	if countIt && c.handlers.OnUnreadCountChanged != nil {
		c.handlers.OnUnreadCountChanged(msg.Scope, unread)
	}
}

func (c *Client) onSyncResponse(ctx context.Context, p v1.SyncResponsePayload) {
	if p.WindowExhausted {
		c.log.Info("sync.window_exhausted", "current_seq", p.CurrentSeq)
		c.mu.Lock()
		c.lastSeq = p.CurrentSeq
		c.cursorDirty = true
		active := c.activeScope
		c.mu.Unlock()
		c.fullResync(ctx, active)
		c.setState(StateLive, c.activeMethod())
		return
	}

	for _, env := range p.Missed {
		c.handleEnvelope(ctx, env)
	}
	c.advanceCursor(&p.CurrentSeq)
	c.setState(StateLive, c.activeMethod())
	c.flushPendingReads(ctx)
	c.sendReady(ctx)
}

func (c *Client) onServerError(ctx context.Context, p v1.ErrorPayload) {
	switch p.Code {
	case v1.CodeReplayExhausted:
		c.mu.Lock()
		active := c.activeScope
		c.mu.Unlock()
		c.fullResync(ctx, active)
	case v1.CodeRateLimited:
		c.log.Warn("server.rate_limited", "message", p.Message)
	default:
		c.log.Warn("server.error", "code", p.Code, "message", p.Message)
	}
}

// fullResync refetches the newest page of the active conversation. Replay
// could not cover the gap, so pagination state is reset: everything older
// than the fresh page is refetched on demand.
func (c *Client) fullResync(ctx context.Context, active *v1.Scope) {
	if active == nil {
		return
	}
	if err := c.refreshScope(ctx, *active); err != nil {
		c.log.Warn("sync.full_resync_failed", "error", err)
	}
}

// ---- outbound ----

// Send enqueues a message for at-least-once delivery and returns its client
// origin id. When the primary channel is down the message stays queued and
// ErrChannelDegraded is returned alongside the id; delivery resumes
// automatically once the websocket channel is restored.
func (c *Client) Send(scope v1.Scope, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", errors.New("client: empty message body")
	}
	scope = normalizeScope(scope)

	originID := uuid.NewString()
	entry := c.queue.Enqueue(scope, body, originID)
	c.recon.AddOptimistic(scope, entry, c.identity)

	c.mu.Lock()
	live := c.state == StateLive && c.method == MethodWebSocket
	c.mu.Unlock()

	if !live {
		return originID, ErrChannelDegraded
	}
	c.sendReady(context.Background())
	return originID, nil
}

// RetrySend re-queues a failed message. While the primary channel is down
// the retry goes over the REST append endpoint instead of waiting. The
// server deduplicates on the origin id, so a websocket retransmit racing the
// REST append is harmless.
func (c *Client) RetrySend(ctx context.Context, clientOriginID string) error {
	if !c.queue.Retry(clientOriginID) {
		return fmt.Errorf("client: no failed entry %s", clientOriginID)
	}
	entry, _ := c.queue.Entry(clientOriginID)
	c.recon.MarkOptimisticQueued(entry.Scope, clientOriginID)

	c.mu.Lock()
	live := c.state == StateLive && c.method == MethodWebSocket
	c.mu.Unlock()
	if live {
		c.sendReady(ctx)
		return nil
	}

	if _, err := c.rest.Send(ctx, entry.Scope, entry.Body, clientOriginID); err != nil {
		// Still queued; the next primary session drains it.
		return fmt.Errorf("client: retry over rest: %w", err)
	}
	c.queue.Ack(clientOriginID)
	return nil
}

// sendReady transmits the head entry of every idle conversation, if the
// primary channel is live. Receive-only channels leave the queue untouched.
func (c *Client) sendReady(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	live := c.state == StateLive && c.method == MethodWebSocket
	c.mu.Unlock()
	if !live || conn == nil {
		return
	}

	for _, entry := range c.queue.TakeReady() {
		payload, err := json.Marshal(v1.MessageSendPayload{
			Scope:          entry.Scope,
			Body:           entry.Body,
			ClientOriginID: entry.ClientOriginID,
		})
		if err != nil {
			continue
		}
		env := v1.Envelope{V: v1.Version, Type: v1.TypeMessageSend, TS: time.Now().UTC(), Payload: payload}
		if err := conn.Send(ctx, env); err != nil {
			c.log.Warn("send.write_failed", "client_origin_id", entry.ClientOriginID, "error", err)
			// The entry stays in flight; ExpireStale or the reconnect
			// requeue picks it back up.
			return
		}
	}
}

// ---- reads and history ----

// SetActiveScope switches the conversation in view. Unread count resets,
// the cached window is warmed into the timeline, and a read receipt for the
// newest confirmed message is sent (or deferred until the primary channel
// is next live).
func (c *Client) SetActiveScope(ctx context.Context, scope v1.Scope) error {
	scope = normalizeScope(scope)
	key := scopeKey(scope)

	c.mu.Lock()
	c.activeScope = &scope
	hadUnread := c.unread[key] > 0
	c.unread[key] = 0
	c.mu.Unlock()

	if hadUnread && c.handlers.OnUnreadCountChanged != nil {
		c.handlers.OnUnreadCountChanged(scope, 0)
	}

	cached, err := c.cache.LoadMessages(ctx, scope, defaultPageSize)
	if err != nil {
		c.log.Warn("cache.load_failed", "error", err)
	} else if len(cached) > 0 {
		c.recon.MergeServerPage(scope, cached, true, false)
	}

	if err := c.refreshScope(ctx, scope); err != nil {
		c.log.Warn("refresh.failed", "error", err)
	}

	c.markReadUpToNewest(ctx, scope)
	return nil
}

// MarkRead sends a read receipt up to and including upToID.
func (c *Client) MarkRead(ctx context.Context, scope v1.Scope, upToID string) error {
	scope = normalizeScope(scope)

	c.mu.Lock()
	conn := c.conn
	live := c.state == StateLive && c.method == MethodWebSocket
	if !live {
		c.pendingRead[scopeKey(scope)] = v1.ReadPayload{Scope: scope, UpToID: upToID}
	}
	c.mu.Unlock()
	if !live {
		return ErrChannelDegraded
	}

	payload, err := json.Marshal(v1.ReadPayload{Scope: scope, UpToID: upToID})
	if err != nil {
		return err
	}
	return conn.Send(ctx, v1.Envelope{V: v1.Version, Type: v1.TypeRead, TS: time.Now().UTC(), Payload: payload})
}

func (c *Client) markReadUpToNewest(ctx context.Context, scope v1.Scope) {
	tl := c.recon.Timeline(scope)
	for i := len(tl) - 1; i >= 0; i-- {
		if tl[i].Pending || tl[i].From == c.identity {
			continue
		}
		if err := c.MarkRead(ctx, scope, tl[i].ID); err != nil && !errors.Is(err, ErrChannelDegraded) {
			c.log.Warn("read.send_failed", "error", err)
		}
		return
	}
}

// flushPendingReads replays read receipts recorded while degraded.
func (c *Client) flushPendingReads(ctx context.Context) {
	c.mu.Lock()
	if len(c.pendingRead) == 0 || c.method != MethodWebSocket {
		c.mu.Unlock()
		return
	}
	pending := c.pendingRead
	c.pendingRead = make(map[string]v1.ReadPayload)
	c.mu.Unlock()

	for _, p := range pending {
		if err := c.MarkRead(ctx, p.Scope, p.UpToID); err != nil && !errors.Is(err, ErrChannelDegraded) {
			c.log.Warn("read.send_failed", "error", err)
		}
	}
}

// Refresh refetches the newest history page for a conversation and unions it
// into the timeline. Concurrent refreshes of the same conversation collapse
// into one request.
func (c *Client) Refresh(ctx context.Context, scope v1.Scope) error {
	return c.refreshScope(ctx, normalizeScope(scope))
}

func (c *Client) refreshScope(ctx context.Context, scope v1.Scope) error {
	_, err, _ := c.sf.Do(scopeKey(scope), func() (any, error) {
		page, err := c.rest.List(ctx, scope, nil, "", defaultPageSize)
		if err != nil {
			return nil, err
		}
		msgs := make([]TimelineMessage, 0, len(page.Items))
		for _, item := range page.Items {
			msgs = append(msgs, restTimelineMessage(item))
		}
		c.recon.MergeServerPage(scope, msgs, page.HasMore, false)
		if err := c.cache.SaveMessages(ctx, scope, msgs); err != nil {
			c.log.Warn("cache.save_failed", "error", err)
		}
		return nil, nil
	})
	return err
}

// LoadOlder fetches the page before the oldest confirmed message in view.
// Returns whether more history remains after this page.
func (c *Client) LoadOlder(ctx context.Context, scope v1.Scope) (bool, error) {
	scope = normalizeScope(scope)

	var before *time.Time
	var beforeID string
	for _, m := range c.recon.Timeline(scope) {
		if !m.Pending {
			t := m.CreatedAt
			before, beforeID = &t, m.ID
			break
		}
	}
	if beforeID == "" {
		// Nothing confirmed in view yet; this is just the newest page.
		if err := c.refreshScope(ctx, scope); err != nil {
			return false, err
		}
		return c.recon.HasMoreHistory(scope), nil
	}

	page, err := c.rest.List(ctx, scope, before, beforeID, defaultPageSize)
	if err != nil {
		return false, err
	}
	msgs := make([]TimelineMessage, 0, len(page.Items))
	for _, item := range page.Items {
		msgs = append(msgs, restTimelineMessage(item))
	}
	c.recon.MergeServerPage(scope, msgs, page.HasMore, true)
	if err := c.cache.SaveMessages(ctx, scope, msgs); err != nil {
		c.log.Warn("cache.save_failed", "error", err)
	}
	return page.HasMore, nil
}

// Search queries message bodies within one conversation. Results are not
// merged into the timeline.
func (c *Client) Search(ctx context.Context, scope v1.Scope, query string, limit int) ([]TimelineMessage, error) {
	page, err := c.rest.Search(ctx, normalizeScope(scope), query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TimelineMessage, 0, len(page.Items))
	for _, item := range page.Items {
		out = append(out, restTimelineMessage(item))
	}
	return out, nil
}

// ---- views ----

// Timeline returns the merged view of one conversation, oldest first,
// including pending optimistic rows.
func (c *Client) Timeline(scope v1.Scope) []TimelineMessage {
	return c.recon.Timeline(normalizeScope(scope))
}

// HasMoreHistory reports whether LoadOlder would likely find more.
func (c *Client) HasMoreHistory(scope v1.Scope) bool {
	return c.recon.HasMoreHistory(normalizeScope(scope))
}

// ForgetConversation drops all local state for one conversation: the merged
// timeline, the cached window, the unread tally, and any deferred read
// receipt. Call it when the user deletes or archives the conversation.
func (c *Client) ForgetConversation(ctx context.Context, scope v1.Scope) error {
	scope = normalizeScope(scope)
	key := scopeKey(scope)

	c.recon.Forget(scope)

	c.mu.Lock()
	delete(c.unread, key)
	delete(c.pendingRead, key)
	if c.activeScope != nil && scopeKey(*c.activeScope) == key {
		c.activeScope = nil
	}
	c.mu.Unlock()

	return c.cache.ClearScope(ctx, scope)
}

// UnreadCount returns the unread tally for one conversation.
func (c *Client) UnreadCount(scope v1.Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[scopeKey(scope)]
}

// ConnectionState reports the current engine state and channel method.
func (c *Client) ConnectionState() (State, Method) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.method
}

// Outbound returns the queue entry for one origin id, if still unresolved.
func (c *Client) Outbound(clientOriginID string) (OutboundEntry, bool) {
	return c.queue.Entry(clientOriginID)
}

// TriggerReconnect resets the backoff budget and retries immediately.
// Wire this to user actions and network-change notifications.
func (c *Client) TriggerReconnect() {
	c.backoff.Reset()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// ---- internals ----

func (c *Client) replayCursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == "" {
		return -1
	}
	return c.lastSeq
}

func (c *Client) advanceCursor(seq *int64) {
	if seq == nil {
		return
	}
	c.mu.Lock()
	if *seq > c.lastSeq {
		c.lastSeq = *seq
		c.cursorDirty = true
	}
	c.mu.Unlock()
}

func (c *Client) persistCursor(ctx context.Context) {
	c.mu.Lock()
	dirty := c.cursorDirty
	seq, epoch := c.lastSeq, c.epoch
	c.cursorDirty = false
	c.mu.Unlock()
	if !dirty || epoch == "" {
		return
	}
	if err := c.cache.SaveCursor(ctx, seq, epoch); err != nil {
		c.log.Warn("cache.cursor.save_failed", "error", err)
	}
}

func (c *Client) activeMethod() Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method
}

func (c *Client) setState(s State, m Method) {
	c.mu.Lock()
	changed := c.state != s || c.method != m
	c.state = s
	c.method = m
	c.mu.Unlock()

	if changed && c.handlers.OnConnectionStateChanged != nil {
		c.handlers.OnConnectionStateChanged(ConnectionEvent{State: s, Method: m})
	}
}

func wsURL(base string) string {
	u := base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
