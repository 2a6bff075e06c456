package client

import (
	"context"
	"errors"

	v1 "tether/shared/contracts/sync/v1"
)

// Method identifies a delivery channel, in fixed priority order.
type Method string

const (
	MethodWebSocket Method = "ws"
	MethodSSE       Method = "sse"
	MethodPoll      Method = "poll"
)

// ErrSendUnsupported is returned by receive-only channels (SSE, polling).
// Outbound sends queue until the primary channel is restored.
var ErrSendUnsupported = errors.New("client: channel is receive-only")

// ErrChannelDegraded is returned when a send is requested while the active
// channel is not the primary. The message has been queued; confirmation will
// arrive once the primary channel is promoted.
var ErrChannelDegraded = errors.New("client: active channel is not primary, message queued")

// Conn is one live, authenticated delivery channel.
//
// Recv's channel is closed when the connection dies; Err then reports the
// terminal cause. Exactly one Conn is live at a time (the failover controller
// guarantees this), so inbound events are never double-delivered.
type Conn interface {
	Method() Method
	// Connected returns the handshake payload: session id, the server's
	// broadcast cursor at connect time, and the instance epoch.
	Connected() v1.ConnectedPayload
	Recv() <-chan v1.Envelope
	Send(ctx context.Context, env v1.Envelope) error
	// RequestSync asks for replay of events after lastSeen. Channels that
	// replay at open time (SSE, polling) treat this as a no-op; the missed
	// events arrive on Recv either way.
	RequestSync(ctx context.Context, lastSeen int64) error
	Err() error
	Close() error
}

// Transport opens connections for one channel method.
//
// Open blocks until the channel is authenticated and ready (or fails); for
// replay-at-open channels lastSeen seeds the server-side replay position.
// lastSeen < 0 means "no replay, live tail only".
type Transport interface {
	Method() Method
	Open(ctx context.Context, lastSeen int64) (Conn, error)
}
