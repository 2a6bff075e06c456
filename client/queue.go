package client

import (
	"sort"
	"sync"
	"time"

	v1 "tether/shared/contracts/sync/v1"
)

const defaultPendingTimeout = 15 * time.Second

// OutboundQueue holds locally-originated messages until the server
// acknowledges them. Delivery is at-least-once: entries survive reconnects
// and are retransmitted, and the server deduplicates on client origin id.
//
// Per conversation the queue is strict FIFO with at most one entry in flight,
// so a conversation's messages arrive in the order they were written even
// across a reconnect. Different conversations do not block each other.
type OutboundQueue struct {
	pendingTimeout time.Duration
	clock          func() time.Time

	mu      sync.Mutex
	entries map[string]*queueEntry // by client origin id
	scopes  map[string]*scopeQueue // by scope key
}

type queueEntry struct {
	OutboundEntry
	sentAt time.Time
}

type scopeQueue struct {
	order    []string // origin ids, FIFO
	inFlight string   // origin id, "" when idle
}

func NewOutboundQueue(pendingTimeout time.Duration) *OutboundQueue {
	if pendingTimeout <= 0 {
		pendingTimeout = defaultPendingTimeout
	}
	return &OutboundQueue{
		pendingTimeout: pendingTimeout,
		clock:          time.Now,
		entries:        make(map[string]*queueEntry),
		scopes:         make(map[string]*scopeQueue),
	}
}

// Enqueue appends a new entry at the tail of its conversation's queue.
func (q *OutboundQueue) Enqueue(scope v1.Scope, body, clientOriginID string) OutboundEntry {
	scope = normalizeScope(scope)

	q.mu.Lock()
	defer q.mu.Unlock()

	e := &queueEntry{OutboundEntry: OutboundEntry{
		ClientOriginID: clientOriginID,
		Scope:          scope,
		Body:           body,
		EnqueuedAt:     q.clock(),
		State:          EntryQueued,
	}}
	q.entries[clientOriginID] = e

	key := scopeKey(scope)
	sq := q.scopes[key]
	if sq == nil {
		sq = &scopeQueue{}
		q.scopes[key] = sq
	}
	sq.order = append(sq.order, clientOriginID)
	return e.OutboundEntry
}

// TakeReady marks the head entry of every idle conversation in-flight and
// returns them for transmission. Conversations already waiting on an ack
// contribute nothing.
func (q *OutboundQueue) TakeReady() []OutboundEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []OutboundEntry
	for _, sq := range q.scopes {
		if sq.inFlight != "" || len(sq.order) == 0 {
			continue
		}
		id := sq.order[0]
		e := q.entries[id]
		if e == nil {
			sq.order = sq.order[1:]
			continue
		}
		sq.inFlight = id
		e.State = EntryInFlight
		e.AttemptCount++
		e.sentAt = q.clock()
		ready = append(ready, e.OutboundEntry)
	}
	return ready
}

// Ack resolves an entry by origin id. Idempotent: acks for unknown or
// already-resolved ids report false and change nothing, so a duplicate
// delivery confirmation after a retransmit is harmless.
func (q *OutboundQueue) Ack(clientOriginID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[clientOriginID]
	if !ok {
		return false
	}
	delete(q.entries, clientOriginID)

	key := scopeKey(e.Scope)
	if sq := q.scopes[key]; sq != nil {
		sq.order = removeID(sq.order, clientOriginID)
		if sq.inFlight == clientOriginID {
			sq.inFlight = ""
		}
		if len(sq.order) == 0 && sq.inFlight == "" {
			delete(q.scopes, key)
		}
	}
	return true
}

// RequeueInFlight returns every in-flight entry to the head of its
// conversation's queue. Called when the live channel dies: the entries were
// transmitted but never acknowledged, so they go out again first.
func (q *OutboundQueue) RequeueInFlight() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, sq := range q.scopes {
		if sq.inFlight == "" {
			continue
		}
		if e := q.entries[sq.inFlight]; e != nil {
			e.State = EntryQueued
		}
		sq.inFlight = ""
	}
}

// ExpireStale fails every in-flight entry whose ack has been pending longer
// than the timeout. Failed entries leave the FIFO (so the conversation is
// not blocked) but stay addressable for manual Retry.
func (q *OutboundQueue) ExpireStale() []OutboundEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	var failed []OutboundEntry
	for key, sq := range q.scopes {
		if sq.inFlight == "" {
			continue
		}
		e := q.entries[sq.inFlight]
		if e == nil {
			sq.inFlight = ""
			continue
		}
		if now.Sub(e.sentAt) < q.pendingTimeout {
			continue
		}
		e.State = EntryFailed
		sq.order = removeID(sq.order, sq.inFlight)
		sq.inFlight = ""
		failed = append(failed, e.OutboundEntry)
		if len(sq.order) == 0 {
			delete(q.scopes, key)
		}
	}
	return failed
}

// Retry returns a failed entry to the tail of its conversation's queue.
func (q *OutboundQueue) Retry(clientOriginID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[clientOriginID]
	if !ok || e.State != EntryFailed {
		return false
	}
	e.State = EntryQueued

	key := scopeKey(e.Scope)
	sq := q.scopes[key]
	if sq == nil {
		sq = &scopeQueue{}
		q.scopes[key] = sq
	}
	sq.order = append(sq.order, clientOriginID)
	return true
}

// Entry looks up one entry by origin id.
func (q *OutboundQueue) Entry(clientOriginID string) (OutboundEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[clientOriginID]
	if !ok {
		return OutboundEntry{}, false
	}
	return e.OutboundEntry, true
}

// PendingFor returns the unresolved entries of one conversation in queue
// order. The reconciler overlays these on server history as optimistic rows.
func (q *OutboundQueue) PendingFor(scope v1.Scope) []OutboundEntry {
	key := scopeKey(scope)

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []OutboundEntry
	for _, e := range q.entries {
		if scopeKey(e.Scope) == key {
			out = append(out, e.OutboundEntry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Len reports the number of unresolved entries across all conversations.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
