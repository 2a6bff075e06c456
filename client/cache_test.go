package client

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	v1 "tether/shared/contracts/sync/v1"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func cachedMsg(scope v1.Scope, id, from, body string, at time.Time) TimelineMessage {
	return TimelineMessage{
		ID:        id,
		Scope:     normalizeScope(scope),
		From:      from,
		Body:      body,
		CreatedAt: at,
		Status:    statusDelivered,
	}
}

func TestCacheCursorRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, _, ok, err := c.LoadCursor(ctx); err != nil || ok {
		t.Fatalf("fresh cache has no cursor, ok=%v err=%v", ok, err)
	}

	if err := c.SaveCursor(ctx, 42, "epoch-1"); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	seq, epoch, ok, err := c.LoadCursor(ctx)
	if err != nil || !ok {
		t.Fatalf("load cursor: ok=%v err=%v", ok, err)
	}
	if seq != 42 || epoch != "epoch-1" {
		t.Fatalf("got seq=%d epoch=%q", seq, epoch)
	}

	// A later save overwrites in place.
	if err := c.SaveCursor(ctx, 99, "epoch-2"); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	seq, epoch, _, _ = c.LoadCursor(ctx)
	if seq != 99 || epoch != "epoch-2" {
		t.Fatalf("after overwrite: seq=%d epoch=%q", seq, epoch)
	}

	if err := c.ResetCursor(ctx); err != nil {
		t.Fatalf("reset cursor: %v", err)
	}
	if _, _, ok, _ := c.LoadCursor(ctx); ok {
		t.Fatalf("cursor must be gone after reset")
	}
}

func TestCacheMessagesRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	scope := v1.Scope{A: "ayla", B: "botan"}
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	msgs := []TimelineMessage{
		cachedMsg(scope, "01A", "ayla", "first", base),
		cachedMsg(scope, "01B", "botan", "second", base.Add(time.Minute)),
		cachedMsg(scope, "01C", "ayla", "third", base.Add(2*time.Minute)),
	}
	if err := c.SaveMessages(ctx, scope, msgs); err != nil {
		t.Fatalf("save messages: %v", err)
	}

	// Reversed scope reads the same window.
	got, err := c.LoadMessages(ctx, v1.Scope{A: "botan", B: "ayla"}, 0)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 cached messages, got %d", len(got))
	}
	for i, want := range []string{"01A", "01B", "01C"} {
		if got[i].ID != want {
			t.Fatalf("position %d: got %s, want %s (oldest first)", i, got[i].ID, want)
		}
	}
	if !got[0].CreatedAt.Equal(base) {
		t.Fatalf("created_at lost precision: %v", got[0].CreatedAt)
	}
}

func TestCacheSkipsPendingRows(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	scope := v1.Scope{A: "ayla", B: "botan"}
	now := time.Now().UTC()

	pending := TimelineMessage{
		Scope:          normalizeScope(scope),
		From:           "ayla",
		Body:           "not yet confirmed",
		CreatedAt:      now,
		Status:         statusPending,
		ClientOriginID: "o-1",
		Pending:        true,
	}
	if err := c.SaveMessages(ctx, scope, []TimelineMessage{pending, cachedMsg(scope, "01A", "botan", "hi", now)}); err != nil {
		t.Fatalf("save messages: %v", err)
	}
	got, err := c.LoadMessages(ctx, scope, 0)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(got) != 1 || got[0].ID != "01A" {
		t.Fatalf("pending rows must not be persisted, got %+v", got)
	}
}

func TestCacheStatusUpsert(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	scope := v1.Scope{A: "ayla", B: "botan"}
	now := time.Now().UTC()

	m := cachedMsg(scope, "01A", "ayla", "hello", now)
	if err := c.SaveMessages(ctx, scope, []TimelineMessage{m}); err != nil {
		t.Fatalf("save: %v", err)
	}
	m.Status = statusRead
	if err := c.SaveMessages(ctx, scope, []TimelineMessage{m}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, _ := c.LoadMessages(ctx, scope, 0)
	if len(got) != 1 {
		t.Fatalf("upsert must not duplicate, got %d rows", len(got))
	}
	if got[0].Status != statusRead {
		t.Fatalf("status not upgraded: %q", got[0].Status)
	}
}

func TestCachePrunesToBound(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	scope := v1.Scope{A: "ayla", B: "botan"}
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	var msgs []TimelineMessage
	for i := 0; i < cachePerScopeLimit+25; i++ {
		msgs = append(msgs, cachedMsg(scope, fmt.Sprintf("01%04d", i), "ayla", "m", base.Add(time.Duration(i)*time.Second)))
	}
	if err := c.SaveMessages(ctx, scope, msgs); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := c.LoadMessages(ctx, scope, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != cachePerScopeLimit {
		t.Fatalf("window not pruned: %d rows", len(got))
	}
	// The oldest rows are the ones dropped.
	if got[0].ID != fmt.Sprintf("01%04d", 25) {
		t.Fatalf("oldest surviving row is %s", got[0].ID)
	}
}

func TestCacheClearScope(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s1 := v1.Scope{A: "ayla", B: "botan"}
	s2 := v1.Scope{A: "ayla", B: "cem"}
	c.SaveMessages(ctx, s1, []TimelineMessage{cachedMsg(s1, "01A", "ayla", "m", now)})
	c.SaveMessages(ctx, s2, []TimelineMessage{cachedMsg(s2, "01B", "cem", "m", now)})

	if err := c.ClearScope(ctx, s1); err != nil {
		t.Fatalf("clear scope: %v", err)
	}
	if got, _ := c.LoadMessages(ctx, s1, 0); len(got) != 0 {
		t.Fatalf("cleared scope still has %d rows", len(got))
	}
	if got, _ := c.LoadMessages(ctx, s2, 0); len(got) != 1 {
		t.Fatalf("other scope must be untouched, got %d rows", len(got))
	}
}

func TestCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.db")
	ctx := context.Background()
	scope := v1.Scope{A: "ayla", B: "botan"}

	c, err := OpenCache(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.SaveCursor(ctx, 7, "epoch-1"); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	if err := c.SaveMessages(ctx, scope, []TimelineMessage{cachedMsg(scope, "01A", "ayla", "persisted", time.Now().UTC())}); err != nil {
		t.Fatalf("save messages: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c2, err := OpenCache(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	seq, epoch, ok, err := c2.LoadCursor(ctx)
	if err != nil || !ok || seq != 7 || epoch != "epoch-1" {
		t.Fatalf("cursor lost across reopen: seq=%d epoch=%q ok=%v err=%v", seq, epoch, ok, err)
	}
	got, err := c2.LoadMessages(ctx, scope, 0)
	if err != nil || len(got) != 1 || got[0].Body != "persisted" {
		t.Fatalf("messages lost across reopen: %v %+v", err, got)
	}
}
