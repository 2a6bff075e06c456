package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "tether/shared/contracts/sync/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is a scriptable Conn for controller and engine tests.
type fakeConn struct {
	method    Method
	connected v1.ConnectedPayload
	recv      chan v1.Envelope

	mu      sync.Mutex
	sent    []v1.Envelope
	sendErr error
	err     error
	closed  bool
}

func newFakeConn(method Method, cp v1.ConnectedPayload) *fakeConn {
	return &fakeConn{method: method, connected: cp, recv: make(chan v1.Envelope, 64)}
}

func (c *fakeConn) Method() Method                 { return c.method }
func (c *fakeConn) Connected() v1.ConnectedPayload { return c.connected }
func (c *fakeConn) Recv() <-chan v1.Envelope       { return c.recv }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.recv)
	}
	return nil
}

func (c *fakeConn) Send(ctx context.Context, env v1.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) sentEnvelopes() []v1.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]v1.Envelope(nil), c.sent...)
}

func (c *fakeConn) deliver(env v1.Envelope) {
	c.recv <- env
}

func (c *fakeConn) RequestSync(ctx context.Context, lastSeen int64) error { return nil }

// fakeTransport opens fakeConns, failing while broken.
type fakeTransport struct {
	method Method
	epoch  string
	seq    int64

	mu       sync.Mutex
	broken   bool
	opened   int
	lastSeen []int64
	conns    []*fakeConn
}

func (t *fakeTransport) Method() Method { return t.method }

func (t *fakeTransport) Open(ctx context.Context, lastSeen int64) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened++
	t.lastSeen = append(t.lastSeen, lastSeen)
	if t.broken {
		return nil, errors.New("transport down")
	}
	epoch := t.epoch
	if epoch == "" {
		epoch = "epoch-1"
	}
	conn := newFakeConn(t.method, v1.ConnectedPayload{SessionID: "s", LastSeq: t.seq, ServerEpoch: epoch})
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) setBroken(b bool) {
	t.mu.Lock()
	t.broken = b
	t.mu.Unlock()
}

func (t *fakeTransport) lastSeenAt(i int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen[i]
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

func TestConnectWalksPriorityOrder(t *testing.T) {
	ws := &fakeTransport{method: MethodWebSocket, broken: true}
	sse := &fakeTransport{method: MethodSSE}
	poll := &fakeTransport{method: MethodPoll}
	f := NewFailoverController(testLogger(), 0, ws, sse, poll)

	conn, err := f.Connect(context.Background(), -1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.Method() != MethodSSE {
		t.Fatalf("expected fallback to sse, got %s", conn.Method())
	}
	if !f.Degraded() {
		t.Fatalf("sse rung is degraded")
	}
	if poll.opened != 0 {
		t.Fatalf("lower rungs must not be probed after a success")
	}
}

func TestConnectPrimaryIsNotDegraded(t *testing.T) {
	ws := &fakeTransport{method: MethodWebSocket}
	f := NewFailoverController(testLogger(), 0, ws, &fakeTransport{method: MethodSSE})

	conn, err := f.Connect(context.Background(), -1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.Method() != MethodWebSocket || f.Degraded() {
		t.Fatalf("primary connection must not be degraded")
	}
	if f.ActiveMethod() != MethodWebSocket {
		t.Fatalf("unexpected active method %q", f.ActiveMethod())
	}
}

func TestConnectAllRungsFailed(t *testing.T) {
	f := NewFailoverController(testLogger(), 0,
		&fakeTransport{method: MethodWebSocket, broken: true},
		&fakeTransport{method: MethodSSE, broken: true},
	)

	if _, err := f.Connect(context.Background(), -1); err == nil {
		t.Fatalf("expected an aggregate failure")
	}
	if f.ActiveMethod() != "" {
		t.Fatalf("no channel should be active after total failure")
	}
}

func TestMaybePromoteRespectsCooldown(t *testing.T) {
	ws := &fakeTransport{method: MethodWebSocket, broken: true}
	sse := &fakeTransport{method: MethodSSE}
	f := NewFailoverController(testLogger(), 30*time.Second, ws, sse)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.clock = func() time.Time { return now }

	if _, err := f.Connect(context.Background(), -1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	wsOpens := ws.opened

	// Inside the cooldown nothing is probed.
	if _, ok := f.MaybePromote(context.Background(), -1); ok || ws.opened != wsOpens {
		t.Fatalf("promotion probe inside the cooldown must be skipped")
	}

	// After the cooldown the primary is probed; it is still broken.
	now = now.Add(31 * time.Second)
	if _, ok := f.MaybePromote(context.Background(), -1); ok {
		t.Fatalf("promotion must fail while the primary is down")
	}
	if ws.opened != wsOpens+1 {
		t.Fatalf("expected one probe, got %d", ws.opened-wsOpens)
	}

	// The failed probe restarts the cooldown.
	if _, ok := f.MaybePromote(context.Background(), -1); ok || ws.opened != wsOpens+1 {
		t.Fatalf("a failed probe must restart the cooldown")
	}

	// Primary recovers; the next window promotes.
	ws.broken = false
	now = now.Add(31 * time.Second)
	conn, ok := f.MaybePromote(context.Background(), -1)
	if !ok || conn.Method() != MethodWebSocket {
		t.Fatalf("expected promotion to the primary, ok=%v", ok)
	}
	if f.Degraded() {
		t.Fatalf("after promotion the controller is on the primary rung")
	}
}

func TestMaybePromoteNoOpWhenPrimary(t *testing.T) {
	ws := &fakeTransport{method: MethodWebSocket}
	f := NewFailoverController(testLogger(), time.Nanosecond, ws)
	if _, err := f.Connect(context.Background(), -1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, ok := f.MaybePromote(context.Background(), -1); ok {
		t.Fatalf("nothing above the primary to promote to")
	}
}
