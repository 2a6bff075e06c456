package client

import (
	"time"

	v1 "tether/shared/contracts/sync/v1"
)

// State is the reconnection engine state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateSyncingGaps    State = "syncing_gaps"
	StateLive           State = "live"
)

// ConnectionEvent describes a connection state change together with the
// channel method it applies to.
type ConnectionEvent struct {
	State  State
	Method Method
}

// EntryState is the outbound queue entry lifecycle.
type EntryState string

const (
	EntryQueued       EntryState = "queued"
	EntryInFlight     EntryState = "in_flight"
	EntryAcknowledged EntryState = "acknowledged"
	EntryFailed       EntryState = "failed"
)

// OutboundEntry is one locally-originated message awaiting acknowledgment.
type OutboundEntry struct {
	ClientOriginID string
	Scope          v1.Scope
	Body           string
	AttemptCount   int
	EnqueuedAt     time.Time
	State          EntryState
}

// TimelineMessage is one entry of the merged conversation timeline.
// Pending marks locally-originated messages not yet confirmed by the server.
type TimelineMessage struct {
	ID             string
	Scope          v1.Scope
	From           string
	Body           string
	CreatedAt      time.Time
	Status         string
	ClientOriginID string
	Pending        bool
}

// Handlers are the upward events exposed to collaborators (views,
// notification plumbing). Nil handlers are skipped. Handlers are invoked from
// the client's internal goroutines and must not block.
type Handlers struct {
	OnNewMessage             func(scope v1.Scope, msg TimelineMessage)
	OnConnectionStateChanged func(ev ConnectionEvent)
	OnUnreadCountChanged     func(scope v1.Scope, count int)
	// OnOutboundFailed fires when a queued message exhausts its pending
	// timeout; the entry stays visible for manual retry.
	OnOutboundFailed func(entry OutboundEntry)
}
