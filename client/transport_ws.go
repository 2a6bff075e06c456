package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "tether/shared/contracts/sync/v1"
)

const (
	wsSubprotocol = "tether.sync.v1"
	// Strictly shorter than the gateway's auth timeout so the client gives
	// up first and retries cleanly instead of racing the server's close.
	wsHandshakeWindow = 8 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsReadLimit       = 1 << 20
)

// WSTransport opens full-duplex websocket channels. This is the primary
// channel: it is the only one that can carry outbound sends.
type WSTransport struct {
	URL      string // ws:// or wss:// endpoint
	Token    string
	Identity string
	HTTP     *http.Client
}

func (t *WSTransport) Method() Method { return MethodWebSocket }

// Open dials, completes the challenge/response handshake and, when lastSeen
// is non-negative, issues a sync_request so missed events replay on Recv.
func (t *WSTransport) Open(ctx context.Context, lastSeen int64) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, wsHandshakeWindow)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, t.URL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
		HTTPClient:   t.HTTP,
	})
	if err != nil {
		return nil, fmt.Errorf("client: ws dial: %w", err)
	}
	ws.SetReadLimit(wsReadLimit)

	conn := &wsConn{
		ws:   ws,
		recv: make(chan v1.Envelope, 64),
		done: make(chan struct{}),
	}

	connected, err := conn.handshake(dialCtx, t.Token, t.Identity)
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}
	conn.connected = connected

	go conn.readPump()

	if lastSeen >= 0 {
		if err := conn.RequestSync(ctx, lastSeen); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

type wsConn struct {
	ws        *websocket.Conn
	connected v1.ConnectedPayload
	recv      chan v1.Envelope
	done      chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (c *wsConn) Method() Method                 { return MethodWebSocket }
func (c *wsConn) Connected() v1.ConnectedPayload { return c.connected }
func (c *wsConn) Recv() <-chan v1.Envelope       { return c.recv }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Send(ctx context.Context, env v1.Envelope) error {
	return c.write(ctx, env)
}

func (c *wsConn) RequestSync(ctx context.Context, lastSeen int64) error {
	payload, err := json.Marshal(v1.SyncRequestPayload{LastSeqSeen: lastSeen})
	if err != nil {
		return err
	}
	return c.write(ctx, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSyncRequest,
		TS:      time.Now().UTC(),
		Payload: payload,
	})
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.setErr(errors.New("client: connection closed"))
		close(c.done)
		c.ws.Close(websocket.StatusNormalClosure, "bye")
	})
	return nil
}

// handshake runs the auth exchange: challenge in, response out, connected in.
// Any error envelope received during the exchange aborts it.
func (c *wsConn) handshake(ctx context.Context, token, identity string) (v1.ConnectedPayload, error) {
	env, err := c.read(ctx)
	if err != nil {
		return v1.ConnectedPayload{}, fmt.Errorf("client: ws handshake: %w", err)
	}
	if env.Type != v1.TypeAuthChallenge {
		return v1.ConnectedPayload{}, fmt.Errorf("client: ws handshake: expected %s, got %s", v1.TypeAuthChallenge, env.Type)
	}

	var challenge v1.AuthChallengePayload
	if err := json.Unmarshal(env.Payload, &challenge); err != nil {
		return v1.ConnectedPayload{}, fmt.Errorf("client: ws handshake: bad challenge: %w", err)
	}

	payload, err := json.Marshal(v1.AuthResponsePayload{
		Nonce:      challenge.Nonce,
		Credential: token,
		Identity:   identity,
	})
	if err != nil {
		return v1.ConnectedPayload{}, err
	}
	if err := c.write(ctx, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeAuthResponse,
		TS:      time.Now().UTC(),
		Payload: payload,
	}); err != nil {
		return v1.ConnectedPayload{}, fmt.Errorf("client: ws handshake: %w", err)
	}

	env, err = c.read(ctx)
	if err != nil {
		return v1.ConnectedPayload{}, fmt.Errorf("client: ws handshake: %w", err)
	}
	switch env.Type {
	case v1.TypeConnected:
		var connected v1.ConnectedPayload
		if err := json.Unmarshal(env.Payload, &connected); err != nil {
			return v1.ConnectedPayload{}, fmt.Errorf("client: ws handshake: bad connected payload: %w", err)
		}
		return connected, nil
	case v1.TypeError:
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		return v1.ConnectedPayload{}, fmt.Errorf("client: ws handshake rejected: %s: %s", ep.Code, ep.Message)
	default:
		return v1.ConnectedPayload{}, fmt.Errorf("client: ws handshake: expected %s, got %s", v1.TypeConnected, env.Type)
	}
}

// readPump forwards inbound envelopes until the socket dies, answering
// server pings inline so heartbeats survive a slow consumer.
func (c *wsConn) readPump() {
	defer close(c.recv)
	ctx := context.Background()
	for {
		env, err := c.read(ctx)
		if err != nil {
			c.setErr(err)
			return
		}
		if env.Type == v1.TypePing {
			pong := v1.Envelope{V: v1.Version, Type: v1.TypePong, ID: env.ID, TS: time.Now().UTC()}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.write(wctx, pong)
			cancel()
			if err != nil {
				c.setErr(err)
				return
			}
			continue
		}
		// The consumer may have stopped reading before closing; never
		// strand the pump on a full channel.
		select {
		case c.recv <- env:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) read(ctx context.Context) (v1.Envelope, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("client: bad envelope from server: %w", err)
	}
	return env, nil
}

func (c *wsConn) write(ctx context.Context, env v1.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
