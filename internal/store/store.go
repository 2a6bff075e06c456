// Package store contains Tether's conversation-scoped message persistence
// and cursor pagination primitives.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Query limit bounds shared by all backends.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 200
)

// ErrCursorNotFound is returned when a pagination cursor references a message
// id that no longer exists and no timestamp was supplied to fall back on.
var ErrCursorNotFound = errors.New("store: cursor message not found")

// DeliveryStatus is the lifecycle state of a stored message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Scope is a symmetric conversation identity: the pair of logical endpoints
// exchanging messages. (A,B) and (B,A) name the same conversation.
type Scope struct {
	A string
	B string
}

// Normalize orders the endpoints so that equal conversations compare equal.
func (s Scope) Normalize() Scope {
	a := strings.TrimSpace(s.A)
	b := strings.TrimSpace(s.B)
	if b < a {
		a, b = b, a
	}
	return Scope{A: a, B: b}
}

// Key returns a stable map/lock key for the normalized scope.
func (s Scope) Key() string {
	n := s.Normalize()
	return n.A + "\x00" + n.B
}

// Other returns the endpoint opposite to identity, or "" when identity is not
// part of the scope.
func (s Scope) Other(identity string) string {
	n := s.Normalize()
	switch identity {
	case n.A:
		return n.B
	case n.B:
		return n.A
	default:
		return ""
	}
}

// Valid reports whether both endpoints are present and distinct.
func (s Scope) Valid() bool {
	n := s.Normalize()
	return n.A != "" && n.B != "" && n.A != n.B
}

// Message is the canonical persisted message representation.
// Once confirmed by the store a message is immutable except for Status.
type Message struct {
	ID             string
	Scope          Scope
	From           string
	Body           string
	CreatedAt      time.Time
	Status         DeliveryStatus
	ClientOriginID string
}

// Before reports whether m sorts strictly older than the composite cursor
// (createdAt, id). Ordering is createdAt DESC, id DESC, so "older" means a
// smaller composite key.
func (m Message) Before(createdAt time.Time, id string) bool {
	if m.CreatedAt.Before(createdAt) {
		return true
	}
	return m.CreatedAt.Equal(createdAt) && m.ID < id
}

// AppendInput describes a message append request.
type AppendInput struct {
	Scope          Scope
	From           string
	Body           string
	ClientOriginID string
	Now            time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// QueryInput describes a page request over one conversation scope.
//
// Before/BeforeID form a composite cursor. When only BeforeID is supplied the
// store resolves the referenced message's timestamp before filtering; an
// id-only cursor is never silently ignored.
type QueryInput struct {
	Scope    Scope
	Before   *time.Time
	BeforeID string
	Limit    int
}

// QueryResult is one page of messages, newest first.
//
// HasMore is computed by over-fetching one extra row, never by comparing the
// returned count against the limit.
type QueryResult struct {
	Messages []Message
	HasMore  bool
}

// ConversationStore persists and queries conversation messages.
//
// Requirements:
//   - Append idempotency per (scope, client_origin_id)
//   - Query ordered by (created_at DESC, id DESC), both directions of the
//     scope always included
//   - HasMore via limit+1 over-fetch
type ConversationStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	Query(ctx context.Context, in QueryInput) (QueryResult, error)
	ResolveCursor(ctx context.Context, id string) (time.Time, error)
	Search(ctx context.Context, scope Scope, query string, limit int) ([]Message, error)
	MarkRead(ctx context.Context, scope Scope, upToID string) (int64, error)
	Close() error
}

// ClampLimit applies the shared default and ceiling to a caller limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
