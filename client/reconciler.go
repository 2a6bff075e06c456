package client

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	v1 "tether/shared/contracts/sync/v1"
)

const (
	defaultMaxScopes    = 32
	maxTimelineMessages = 500

	statusPending   = "pending"
	statusDelivered = "delivered"
	statusRead      = "read"
)

// Reconciler merges the three sources of timeline truth (server history
// pages, live broadcast events, and locally-originated optimistic rows) into
// one consistent per-conversation view.
//
// Merges are always unions keyed by server id and client origin id; a page
// fetched during reconnection never wholesale-replaces a timeline that
// already contains optimistic rows. Timelines for recently viewed
// conversations are kept in a bounded LRU; an evicted conversation simply
// re-fetches from the server on next view.
type Reconciler struct {
	mu        sync.Mutex
	timelines *lru.Cache[string, *timeline]
}

type timeline struct {
	msgs     []TimelineMessage // ascending (CreatedAt, ID), pending rows by EnqueuedAt
	byOrigin map[string]bool   // origin ids present (pending or confirmed)
	byID     map[string]bool   // server ids present
	hasMore  bool
}

func NewReconciler(maxScopes int) *Reconciler {
	if maxScopes <= 0 {
		maxScopes = defaultMaxScopes
	}
	cache, _ := lru.New[string, *timeline](maxScopes)
	return &Reconciler{timelines: cache}
}

func (r *Reconciler) scope(scope v1.Scope) *timeline {
	key := scopeKey(scope)
	if tl, ok := r.timelines.Get(key); ok {
		return tl
	}
	tl := &timeline{
		byOrigin: make(map[string]bool),
		byID:     make(map[string]bool),
		hasMore:  true, // unknown until the first page answers
	}
	r.timelines.Add(key, tl)
	return tl
}

// MergeServerPage unions one history page into the timeline. hasMore applies
// only when the page extends the oldest edge (older pages); a refresh of the
// newest page must not clobber the pagination state.
func (r *Reconciler) MergeServerPage(scope v1.Scope, page []TimelineMessage, hasMore, oldestEdge bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.scope(scope)
	for _, msg := range page {
		tl.insert(msg)
	}
	if oldestEdge {
		tl.hasMore = hasMore
	}
	tl.trim()
}

// ApplyLiveEvent folds one confirmed broadcast message into the timeline.
// When the message carries the origin id of an optimistic row, that row is
// promoted in place instead of a duplicate appearing.
func (r *Reconciler) ApplyLiveEvent(scope v1.Scope, msg TimelineMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.scope(scope)
	tl.insert(msg)
	tl.trim()
}

// AddOptimistic inserts a pending row for a just-enqueued outbound message.
func (r *Reconciler) AddOptimistic(scope v1.Scope, entry OutboundEntry, from string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.scope(scope)
	tl.insert(TimelineMessage{
		Scope:          normalizeScope(scope),
		From:           from,
		Body:           entry.Body,
		CreatedAt:      entry.EnqueuedAt,
		Status:         statusPending,
		ClientOriginID: entry.ClientOriginID,
		Pending:        true,
	})
}

// MarkOptimisticFailed flags a pending row whose delivery timed out. The row
// stays visible so the user can retry it.
func (r *Reconciler) MarkOptimisticFailed(scope v1.Scope, clientOriginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.scope(scope)
	for i := range tl.msgs {
		if tl.msgs[i].Pending && tl.msgs[i].ClientOriginID == clientOriginID {
			tl.msgs[i].Status = "failed"
			return
		}
	}
}

// MarkOptimisticQueued returns a failed row to the pending presentation
// after a manual retry.
func (r *Reconciler) MarkOptimisticQueued(scope v1.Scope, clientOriginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.scope(scope)
	for i := range tl.msgs {
		if tl.msgs[i].Pending && tl.msgs[i].ClientOriginID == clientOriginID {
			tl.msgs[i].Status = statusPending
			return
		}
	}
}

// ApplyRead marks as read every confirmed message sent by someone other than
// reader, up to and including upToID.
func (r *Reconciler) ApplyRead(scope v1.Scope, upToID, reader string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.scope(scope)
	for i := range tl.msgs {
		m := &tl.msgs[i]
		if m.Pending || m.From == reader {
			continue
		}
		if m.ID <= upToID { // ids are ULIDs; lexicographic order is creation order
			m.Status = statusRead
		}
	}
}

// Timeline returns a copy of the merged view, oldest first.
func (r *Reconciler) Timeline(scope v1.Scope) []TimelineMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.scope(scope)
	out := make([]TimelineMessage, len(tl.msgs))
	copy(out, tl.msgs)
	return out
}

// HasMoreHistory reports whether older pages likely exist beyond the oldest
// cached message. True for a never-fetched conversation.
func (r *Reconciler) HasMoreHistory(scope v1.Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scope(scope).hasMore
}

// Forget drops one conversation's cached view.
func (r *Reconciler) Forget(scope v1.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timelines.Remove(scopeKey(scope))
}

// insert places msg at its sorted position, deduplicating by server id and
// promoting a pending row that shares its origin id.
func (t *timeline) insert(msg TimelineMessage) {
	if msg.ID != "" && t.byID[msg.ID] {
		// Already confirmed; a replayed event may still upgrade the status.
		for i := range t.msgs {
			if t.msgs[i].ID == msg.ID {
				if msg.Status == statusRead {
					t.msgs[i].Status = statusRead
				}
				return
			}
		}
		return
	}

	if msg.ClientOriginID != "" && t.byOrigin[msg.ClientOriginID] {
		for i := range t.msgs {
			if t.msgs[i].ClientOriginID != msg.ClientOriginID {
				continue
			}
			if t.msgs[i].Pending && !msg.Pending {
				// Promote: adopt the server identity and position.
				t.msgs[i] = msg
				t.byID[msg.ID] = true
				t.resort(i)
			}
			return
		}
		return
	}

	if msg.ID != "" {
		t.byID[msg.ID] = true
	}
	if msg.ClientOriginID != "" {
		t.byOrigin[msg.ClientOriginID] = true
	}

	// Insert keeping ascending (CreatedAt, ID) order; appends are the
	// common case for live traffic.
	i := len(t.msgs)
	for i > 0 && timelineAfter(t.msgs[i-1], msg) {
		i--
	}
	t.msgs = append(t.msgs, TimelineMessage{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
}

// resort fixes the position of the element at i after an in-place update.
func (t *timeline) resort(i int) {
	msg := t.msgs[i]
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
	j := len(t.msgs)
	for j > 0 && timelineAfter(t.msgs[j-1], msg) {
		j--
	}
	t.msgs = append(t.msgs, TimelineMessage{})
	copy(t.msgs[j+1:], t.msgs[j:])
	t.msgs[j] = msg
}

// trim bounds the in-memory view to the newest messages; older history is
// always refetchable, so dropping the tail re-enables pagination.
func (t *timeline) trim() {
	if len(t.msgs) <= maxTimelineMessages {
		return
	}
	drop := len(t.msgs) - maxTimelineMessages
	for _, m := range t.msgs[:drop] {
		delete(t.byID, m.ID)
		if m.ClientOriginID != "" {
			delete(t.byOrigin, m.ClientOriginID)
		}
	}
	t.msgs = append([]TimelineMessage(nil), t.msgs[drop:]...)
	t.hasMore = true
}

func timelineAfter(a, b TimelineMessage) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// serverMessage converts a wire message payload into a timeline row.
func serverMessage(p v1.MessagePayload) TimelineMessage {
	return TimelineMessage{
		ID:             p.ID,
		Scope:          normalizeScope(p.Scope),
		From:           p.From,
		Body:           p.Body,
		CreatedAt:      p.TS,
		Status:         statusDelivered,
		ClientOriginID: p.ClientOriginID,
	}
}

// restTimelineMessage converts a REST list item into a timeline row.
func restTimelineMessage(m restMessage) TimelineMessage {
	return TimelineMessage{
		ID:             m.ID,
		Scope:          normalizeScope(m.Scope),
		From:           m.From,
		Body:           m.Body,
		CreatedAt:      m.TS,
		Status:         m.Status,
		ClientOriginID: m.ClientOriginID,
	}
}
