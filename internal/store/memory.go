package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

const memMaxMessagesPerScope = 10_000

// MemoryStore is a dev/test fallback when no database is configured.
// It implements the full ConversationStore contract, including composite-cursor
// pagination and append idempotency.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
}

type memConv struct {
	msgs   []Message         // ordered by (CreatedAt, ID) ASC
	origin map[string]string // client_origin_id -> message id
}

// NewMemoryStore constructs an in-memory ConversationStore implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*memConv)}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// Append persists a message with idempotency per (scope, client_origin_id).
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if !in.Scope.Valid() {
		return AppendResult{}, errors.New("store: invalid scope")
	}
	scope := in.Scope.Normalize()
	if in.From != scope.A && in.From != scope.B {
		return AppendResult{}, errors.New("store: sender not in scope")
	}
	if strings.TrimSpace(in.Body) == "" {
		return AppendResult{}, errors.New("store: empty body")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[scope.Key()]
	if c == nil {
		c = &memConv{
			msgs:   make([]Message, 0, 256),
			origin: make(map[string]string),
		}
		s.convs[scope.Key()] = c
	}

	if in.ClientOriginID != "" {
		if id, ok := c.origin[in.ClientOriginID]; ok {
			if existing, ok := c.byID(id); ok {
				return AppendResult{Stored: existing, Duplicated: true}, nil
			}
		}
	}

	msg := Message{
		ID:             NewMessageID(now),
		Scope:          scope,
		From:           in.From,
		Body:           in.Body,
		CreatedAt:      now,
		Status:         StatusDelivered,
		ClientOriginID: in.ClientOriginID,
	}

	c.msgs = append(c.msgs, msg)
	// Appends arrive in roughly increasing time order; re-sort only when the
	// tail breaks the invariant.
	if n := len(c.msgs); n > 1 && !c.msgs[n-2].Before(msg.CreatedAt, msg.ID) {
		sort.Slice(c.msgs, func(i, j int) bool {
			return c.msgs[i].Before(c.msgs[j].CreatedAt, c.msgs[j].ID)
		})
	}
	if in.ClientOriginID != "" {
		c.origin[in.ClientOriginID] = msg.ID
	}

	if len(c.msgs) > memMaxMessagesPerScope {
		c.msgs = append(c.msgs[:0], c.msgs[len(c.msgs)-memMaxMessagesPerScope:]...)
	}

	return AppendResult{Stored: msg, Duplicated: false}, nil
}

// Query returns one page of messages, newest first, strictly older than the
// composite cursor when one is supplied.
func (s *MemoryStore) Query(ctx context.Context, in QueryInput) (QueryResult, error) {
	if !in.Scope.Valid() {
		return QueryResult{}, errors.New("store: invalid scope")
	}
	if err := ctx.Err(); err != nil {
		return QueryResult{}, err
	}

	limit := ClampLimit(in.Limit)
	fetch := limit + 1

	before, beforeID, err := s.resolveQueryCursor(in)
	if err != nil {
		return QueryResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.Scope.Key()]
	if c == nil {
		return QueryResult{}, nil
	}

	out := make([]Message, 0, fetch)
	for i := len(c.msgs) - 1; i >= 0 && len(out) < fetch; i-- {
		m := c.msgs[i]
		if before != nil && !m.Before(*before, beforeID) {
			continue
		}
		out = append(out, m)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return QueryResult{Messages: out, HasMore: hasMore}, nil
}

// ResolveCursor looks up a message's timestamp so an id-only cursor can be
// completed before use.
func (s *MemoryStore) ResolveCursor(ctx context.Context, id string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.convs {
		if m, ok := c.byID(id); ok {
			return m.CreatedAt, nil
		}
	}
	return time.Time{}, ErrCursorNotFound
}

// Search returns messages in scope whose body contains query, newest first.
func (s *MemoryStore) Search(ctx context.Context, scope Scope, query string, limit int) ([]Message, error) {
	if !scope.Valid() {
		return nil, errors.New("store: invalid scope")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit = ClampLimit(limit)
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, errors.New("store: empty search query")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[scope.Key()]
	if c == nil {
		return nil, nil
	}

	out := make([]Message, 0, limit)
	for i := len(c.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if strings.Contains(strings.ToLower(c.msgs[i].Body), needle) {
			out = append(out, c.msgs[i])
		}
	}
	return out, nil
}

// MarkRead flips every message in scope at or before upToID to StatusRead.
// It returns the number of messages transitioned.
func (s *MemoryStore) MarkRead(ctx context.Context, scope Scope, upToID string) (int64, error) {
	if !scope.Valid() {
		return 0, errors.New("store: invalid scope")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[scope.Key()]
	if c == nil {
		return 0, nil
	}

	cursor, ok := c.byID(upToID)
	if !ok {
		return 0, ErrCursorNotFound
	}

	var n int64
	for i := range c.msgs {
		m := &c.msgs[i]
		if m.Status == StatusRead {
			continue
		}
		if m.ID == cursor.ID || m.Before(cursor.CreatedAt, cursor.ID) {
			m.Status = StatusRead
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) resolveQueryCursor(in QueryInput) (*time.Time, string, error) {
	if in.Before != nil {
		return in.Before, in.BeforeID, nil
	}
	if in.BeforeID == "" {
		return nil, "", nil
	}

	// Cursor with only an id: resolve the referenced timestamp, never silently
	// ignore it.
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.Scope.Key()]
	if c != nil {
		if m, ok := c.byID(in.BeforeID); ok {
			t := m.CreatedAt
			return &t, m.ID, nil
		}
	}
	return nil, "", ErrCursorNotFound
}

func (c *memConv) byID(id string) (Message, bool) {
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].ID == id {
			return c.msgs[i], true
		}
	}
	return Message{}, false
}
