package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "tether/shared/contracts/sync/v1"
)

const sseHandshakeWindow = 10 * time.Second

// SSETransport opens server-push event streams. Receive-only: outbound sends
// queue until the websocket channel is restored. Replay is requested at open
// time via the last_seq query parameter, so RequestSync is a no-op.
type SSETransport struct {
	URL      string // https?:// endpoint of /v1/events/stream
	Token    string
	Identity string
	HTTP     *http.Client
}

func (t *SSETransport) Method() Method { return MethodSSE }

func (t *SSETransport) Open(ctx context.Context, lastSeen int64) (Conn, error) {
	streamURL := t.URL
	if lastSeen >= 0 {
		u, err := url.Parse(t.URL)
		if err != nil {
			return nil, fmt.Errorf("client: sse url: %w", err)
		}
		q := u.Query()
		q.Set("last_seq", strconv.FormatInt(lastSeen, 10))
		u.RawQuery = q.Encode()
		streamURL = u.String()
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+t.Token)
	req.Header.Set("X-Tether-Identity", t.Identity)

	hc := t.HTTP
	if hc == nil {
		// No overall timeout; the stream is long-lived.
		hc = &http.Client{}
	}
	resp, err := hc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("client: sse open: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("client: sse open: http %d", resp.StatusCode)
	}

	conn := &sseConn{
		body:   resp.Body,
		cancel: cancel,
		recv:   make(chan v1.Envelope, 64),
		reader: bufio.NewReaderSize(resp.Body, 64<<10),
	}

	// First event on the stream is the connected envelope.
	hsCtx, hsCancel := context.WithTimeout(ctx, sseHandshakeWindow)
	defer hsCancel()
	connected, err := conn.awaitConnected(hsCtx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.connected = connected

	go conn.readPump()
	return conn, nil
}

type sseConn struct {
	body      io.ReadCloser
	cancel    context.CancelFunc
	reader    *bufio.Reader
	connected v1.ConnectedPayload
	recv      chan v1.Envelope

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (c *sseConn) Method() Method                 { return MethodSSE }
func (c *sseConn) Connected() v1.ConnectedPayload { return c.connected }
func (c *sseConn) Recv() <-chan v1.Envelope       { return c.recv }

func (c *sseConn) Send(ctx context.Context, env v1.Envelope) error {
	return ErrSendUnsupported
}

func (c *sseConn) RequestSync(ctx context.Context, lastSeen int64) error {
	// Replay happened at open time via last_seq.
	return nil
}

func (c *sseConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		c.setErr(errors.New("client: connection closed"))
		c.cancel()
		c.body.Close()
	})
	return nil
}

func (c *sseConn) awaitConnected(ctx context.Context) (v1.ConnectedPayload, error) {
	type result struct {
		env v1.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := c.readEvent()
		ch <- result{env, err}
	}()

	select {
	case <-ctx.Done():
		return v1.ConnectedPayload{}, fmt.Errorf("client: sse handshake: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return v1.ConnectedPayload{}, fmt.Errorf("client: sse handshake: %w", r.err)
		}
		if r.env.Type != v1.TypeConnected {
			return v1.ConnectedPayload{}, fmt.Errorf("client: sse handshake: expected %s, got %s", v1.TypeConnected, r.env.Type)
		}
		var connected v1.ConnectedPayload
		if err := json.Unmarshal(r.env.Payload, &connected); err != nil {
			return v1.ConnectedPayload{}, fmt.Errorf("client: sse handshake: bad connected payload: %w", err)
		}
		return connected, nil
	}
}

func (c *sseConn) readPump() {
	defer close(c.recv)
	for {
		env, err := c.readEvent()
		if err != nil {
			c.setErr(err)
			return
		}
		c.recv <- env
	}
}

// readEvent parses one server-sent event. The stream carries one JSON
// envelope per data line; id lines and comment keepalives are skipped.
func (c *sseConn) readEvent() (v1.Envelope, error) {
	var data bytes.Buffer
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return v1.Envelope{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 {
				continue // keepalive or id-only block
			}
			var env v1.Envelope
			if err := json.Unmarshal(data.Bytes(), &env); err != nil {
				return v1.Envelope{}, fmt.Errorf("client: bad sse event: %w", err)
			}
			return env, nil
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// id: lines, event: lines and ":" comments carry no payload we need.
		}
	}
}

func (c *sseConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
