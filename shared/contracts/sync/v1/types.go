// Package v1 defines the Tether sync protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeAuthChallenge opens the handshake (server -> client).
	TypeAuthChallenge = "auth_challenge"
	// TypeAuthResponse answers the challenge with a credential (client -> server).
	TypeAuthResponse = "auth_response"
	// TypeConnected completes the handshake and carries the server cursor (server -> client).
	TypeConnected = "connected"

	// TypeMessage carries a confirmed conversation message (server -> client, sequenced).
	TypeMessage = "message"
	// TypeMessageSend requests appending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeDelivered acknowledges a message_send back to its sender (server -> client).
	TypeDelivered = "delivered"

	// TypeRead marks a conversation read up to a message (client -> server,
	// re-broadcast sequenced by the server).
	TypeRead = "read"

	// TypeSyncRequest asks for replay of missed broadcast events (client -> server).
	TypeSyncRequest = "sync_request"
	// TypeSyncResponse returns the missed window (server -> client).
	TypeSyncResponse = "sync_response"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"

	// TypePing / TypePong are application-level liveness probes.
	TypePing = "ping"
	TypePong = "pong"
)

// Error codes carried by ErrorPayload. Clients branch on these, so they are wire-stable.
const (
	CodeAuthFailed      = "auth_failed"
	CodeAuthTimeout     = "auth_timeout"
	CodeBadEnvelope     = "bad_envelope"
	CodeBadJSON         = "bad_json"
	CodeNotAuthed       = "not_authenticated"
	CodeRateLimited     = "rate_limited"
	CodeReplayExhausted = "replay_exhausted"
	CodeSendFailed      = "send_failed"
	CodeUnsupported     = "unsupported"
)

// Envelope is the canonical wire wrapper.
//
// Seq is set only on sequenced broadcast events. Any envelope carrying Seq
// advances the receiver's last-seen cursor, regardless of Type.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAuthChallenge,
		TypeAuthResponse,
		TypeConnected,
		TypeMessage,
		TypeMessageSend,
		TypeDelivered,
		TypeRead,
		TypeSyncRequest,
		TypeSyncResponse,
		TypeError,
		TypePing,
		TypePong:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// Scope identifies a conversation by its two logical endpoints.
// Scopes are symmetric: (A,B) and (B,A) name the same conversation.
type Scope struct {
	A string `json:"a"`
	B string `json:"b"`
}

// AuthChallengePayload opens the handshake. Nonce is echoed back for tracing.
type AuthChallengePayload struct {
	Nonce string `json:"nonce"`
}

// AuthResponsePayload carries the client credential.
type AuthResponsePayload struct {
	Nonce      string `json:"nonce,omitempty"`
	Credential string `json:"credential"`
	Identity   string `json:"identity"`
}

// ConnectedPayload completes the handshake.
//
// LastSeq is the server's current broadcast cursor; ServerEpoch identifies the
// gateway instance so clients can distinguish "nothing missed" from
// "gateway restarted, history may be gapped".
type ConnectedPayload struct {
	SessionID   string `json:"session_id"`
	LastSeq     int64  `json:"last_seq"`
	ServerEpoch string `json:"server_epoch"`
}

// MessagePayload is a confirmed conversation message.
type MessagePayload struct {
	ID             string    `json:"id"`
	Scope          Scope     `json:"scope"`
	From           string    `json:"from"`
	Body           string    `json:"body"`
	TS             time.Time `json:"ts"`
	ClientOriginID string    `json:"client_origin_id,omitempty"`
}

// MessageSendPayload requests appending a message to a conversation.
type MessageSendPayload struct {
	Scope          Scope  `json:"scope"`
	Body           string `json:"body"`
	ClientOriginID string `json:"client_origin_id"`
}

// DeliveredPayload acknowledges a message_send back to its sender and
// returns the canonical server id.
type DeliveredPayload struct {
	ClientOriginID string `json:"client_origin_id"`
	ServerID       string `json:"server_id"`
	Seq            int64  `json:"seq"`
}

// ReadPayload marks a conversation read up to (and including) UpToID.
// By is stamped by the server on the rebroadcast; clients leave it empty.
type ReadPayload struct {
	Scope  Scope  `json:"scope"`
	UpToID string `json:"up_to_id"`
	By     string `json:"by,omitempty"`
}

// SyncRequestPayload asks for replay of every broadcast event after LastSeqSeen.
type SyncRequestPayload struct {
	LastSeqSeen int64 `json:"last_seq_seen"`
}

// SyncResponsePayload returns the missed window.
//
// WindowExhausted is reported when the requested start point predates the
// server's replay window; the client must perform a full resynchronization
// instead of accepting a silently partial replay.
type SyncResponsePayload struct {
	Missed          []Envelope `json:"missed"`
	CurrentSeq      int64      `json:"current_seq"`
	WindowExhausted bool       `json:"window_exhausted"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
