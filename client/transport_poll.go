package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "tether/shared/contracts/sync/v1"
)

const defaultPollInterval = 3 * time.Second

// PollTransport is the last-resort channel: a ticker-driven loop over the
// REST poll endpoint. Receive-only, like SSE. Replay is implicit: the first
// poll starts from lastSeen, so RequestSync is a no-op.
type PollTransport struct {
	BaseURL  string
	Token    string
	Identity string
	Interval time.Duration
	HTTP     *http.Client
}

func (t *PollTransport) Method() Method { return MethodPoll }

func (t *PollTransport) Open(ctx context.Context, lastSeen int64) (Conn, error) {
	rest := newRESTClient(t.BaseURL, t.Token, t.Identity, t.HTTP)

	// Probe once to authenticate and learn the server cursor and epoch.
	probe, err := rest.Poll(ctx, max(lastSeen, 0))
	if err != nil {
		return nil, fmt.Errorf("client: poll open: %w", err)
	}

	interval := t.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	conn := &pollConn{
		rest:     rest,
		interval: interval,
		cancel:   cancel,
		recv:     make(chan v1.Envelope, 64),
		connected: v1.ConnectedPayload{
			SessionID:   "poll-" + uuid.NewString(),
			LastSeq:     probe.CurrentSeq,
			ServerEpoch: probe.ServerEpoch,
		},
	}

	// Resume from the probed cursor when tailing live; otherwise deliver the
	// probe's replay before the loop takes over.
	conn.cursor = probe.CurrentSeq
	var backlog []v1.Envelope
	if lastSeen >= 0 {
		if probe.WindowExhausted {
			p, _ := json.Marshal(v1.ErrorPayload{Code: v1.CodeReplayExhausted, Message: "replay window exceeded, full resync required"})
			backlog = []v1.Envelope{{V: v1.Version, Type: v1.TypeError, TS: time.Now().UTC(), Payload: p}}
		} else {
			backlog = probe.Events
		}
	}

	go conn.loop(loopCtx, backlog)
	return conn, nil
}

type pollConn struct {
	rest      *restClient
	interval  time.Duration
	cancel    context.CancelFunc
	connected v1.ConnectedPayload
	recv      chan v1.Envelope
	cursor    int64

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (c *pollConn) Method() Method                 { return MethodPoll }
func (c *pollConn) Connected() v1.ConnectedPayload { return c.connected }
func (c *pollConn) Recv() <-chan v1.Envelope       { return c.recv }

func (c *pollConn) Send(ctx context.Context, env v1.Envelope) error {
	return ErrSendUnsupported
}

func (c *pollConn) RequestSync(ctx context.Context, lastSeen int64) error {
	return nil
}

func (c *pollConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		c.setErr(errors.New("client: connection closed"))
		c.cancel()
	})
	return nil
}

func (c *pollConn) loop(ctx context.Context, backlog []v1.Envelope) {
	defer close(c.recv)

	for _, env := range backlog {
		if !c.deliver(ctx, env) {
			return
		}
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := c.rest.Poll(ctx, c.cursor)
		if err != nil {
			// Transient poll errors are tolerated briefly; the channel is
			// declared dead after three consecutive failures so failover
			// can try a better one.
			failures++
			if failures >= 3 {
				c.setErr(fmt.Errorf("client: poll channel: %w", err))
				return
			}
			continue
		}
		failures = 0

		if res.ServerEpoch != c.connected.ServerEpoch {
			c.setErr(fmt.Errorf("client: poll channel: server epoch changed (%s -> %s)", c.connected.ServerEpoch, res.ServerEpoch))
			return
		}

		for _, env := range res.Events {
			if !c.deliver(ctx, env) {
				return
			}
		}
		if res.CurrentSeq > c.cursor {
			c.cursor = res.CurrentSeq
		}
	}
}

func (c *pollConn) deliver(ctx context.Context, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case c.recv <- env:
		if env.Seq != nil && *env.Seq > c.cursor {
			c.cursor = *env.Seq
		}
		return true
	}
}

func (c *pollConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
