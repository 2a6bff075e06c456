package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// runConversationStoreSuite exercises the ConversationStore contract against
// a backend. Both implementations must pass identically.
func runConversationStoreSuite(t *testing.T, newStore func(t *testing.T) ConversationStore) {
	t.Helper()

	t.Run("AppendAndQueryRoundTrip", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		scope := Scope{A: "ada", B: "zoe"}
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		res, err := st.Append(ctx, AppendInput{Scope: scope, From: "ada", Body: "hello", ClientOriginID: "o-1", Now: now})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if res.Duplicated {
			t.Fatalf("first append must not be a duplicate")
		}
		if res.Stored.ID == "" || res.Stored.Status != StatusDelivered {
			t.Fatalf("unexpected stored message: %+v", res.Stored)
		}

		page, err := st.Query(ctx, QueryInput{Scope: scope})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(page.Messages) != 1 || page.HasMore {
			t.Fatalf("expected one message without more, got %d hasMore=%v", len(page.Messages), page.HasMore)
		}
		got := page.Messages[0]
		if got.Body != "hello" || got.From != "ada" || got.ClientOriginID != "o-1" {
			t.Fatalf("round trip mismatch: %+v", got)
		}
	})

	t.Run("ScopeSymmetry", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		if _, err := st.Append(ctx, AppendInput{Scope: Scope{A: "ada", B: "zoe"}, From: "ada", Body: "one", Now: now}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := st.Append(ctx, AppendInput{Scope: Scope{A: "zoe", B: "ada"}, From: "zoe", Body: "two", Now: now.Add(time.Second)}); err != nil {
			t.Fatalf("append: %v", err)
		}

		for _, scope := range []Scope{{A: "ada", B: "zoe"}, {A: "zoe", B: "ada"}} {
			page, err := st.Query(ctx, QueryInput{Scope: scope})
			if err != nil {
				t.Fatalf("query %+v: %v", scope, err)
			}
			if len(page.Messages) != 2 {
				t.Fatalf("scope %+v: expected both directions, got %d messages", scope, len(page.Messages))
			}
		}
	})

	t.Run("AppendIdempotentPerOriginID", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		scope := Scope{A: "ada", B: "zoe"}
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		first, err := st.Append(ctx, AppendInput{Scope: scope, From: "ada", Body: "retry me", ClientOriginID: "o-7", Now: now})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		second, err := st.Append(ctx, AppendInput{Scope: scope, From: "ada", Body: "retry me", ClientOriginID: "o-7", Now: now.Add(time.Minute)})
		if err != nil {
			t.Fatalf("retransmit: %v", err)
		}
		if !second.Duplicated {
			t.Fatalf("retransmit must be flagged as duplicate")
		}
		if second.Stored.ID != first.Stored.ID {
			t.Fatalf("duplicate must return the original message, got %s vs %s", second.Stored.ID, first.Stored.ID)
		}

		page, err := st.Query(ctx, QueryInput{Scope: scope})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(page.Messages) != 1 {
			t.Fatalf("expected a single stored copy, got %d", len(page.Messages))
		}
	})

	t.Run("PaginationBoundary", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		scope := Scope{A: "ada", B: "zoe"}
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 51; i++ {
			if _, err := st.Append(ctx, AppendInput{Scope: scope, From: "ada", Body: fmt.Sprintf("m%02d", i), Now: base.Add(time.Duration(i) * time.Second)}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		page, err := st.Query(ctx, QueryInput{Scope: scope, Limit: 50})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(page.Messages) != 50 || !page.HasMore {
			t.Fatalf("51 stored: expected 50 + hasMore, got %d hasMore=%v", len(page.Messages), page.HasMore)
		}
		if page.Messages[0].Body != "m50" {
			t.Fatalf("expected newest first, got %q", page.Messages[0].Body)
		}

		last := page.Messages[len(page.Messages)-1]
		rest, err := st.Query(ctx, QueryInput{Scope: scope, Before: &last.CreatedAt, BeforeID: last.ID, Limit: 50})
		if err != nil {
			t.Fatalf("second page: %v", err)
		}
		if len(rest.Messages) != 1 || rest.HasMore {
			t.Fatalf("expected the single remaining message, got %d hasMore=%v", len(rest.Messages), rest.HasMore)
		}
		if rest.Messages[0].Body != "m00" {
			t.Fatalf("expected oldest message, got %q", rest.Messages[0].Body)
		}
	})

	t.Run("PaginationTimestampTie", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		scope := Scope{A: "ada", B: "zoe"}
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 4; i++ {
			if _, err := st.Append(ctx, AppendInput{Scope: scope, From: "ada", Body: fmt.Sprintf("tie%d", i), Now: now}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}

		var seen []string
		var before *time.Time
		var beforeID string
		for {
			page, err := st.Query(ctx, QueryInput{Scope: scope, Before: before, BeforeID: beforeID, Limit: 1})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			for _, m := range page.Messages {
				seen = append(seen, m.ID)
			}
			if !page.HasMore {
				break
			}
			last := page.Messages[len(page.Messages)-1]
			before, beforeID = &last.CreatedAt, last.ID
		}

		if len(seen) != 4 {
			t.Fatalf("tie-broken pagination must visit each message exactly once, saw %d", len(seen))
		}
		uniq := make(map[string]bool, len(seen))
		for _, id := range seen {
			if uniq[id] {
				t.Fatalf("message %s paged twice", id)
			}
			uniq[id] = true
		}
	})

	t.Run("ResolveCursor", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		scope := Scope{A: "ada", B: "zoe"}
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		res, err := st.Append(ctx, AppendInput{Scope: scope, From: "ada", Body: "anchor", Now: now})
		if err != nil {
			t.Fatalf("append: %v", err)
		}

		ts, err := st.ResolveCursor(ctx, res.Stored.ID)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !ts.Equal(res.Stored.CreatedAt) {
			t.Fatalf("expected %v, got %v", res.Stored.CreatedAt, ts)
		}

		if _, err := st.ResolveCursor(ctx, "01MISSING"); !errors.Is(err, ErrCursorNotFound) {
			t.Fatalf("expected ErrCursorNotFound, got %v", err)
		}
	})

	t.Run("QueryIDOnlyCursor", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		scope := Scope{A: "ada", B: "zoe"}
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		var anchor Message
		for i := 0; i < 3; i++ {
			res, err := st.Append(ctx, AppendInput{Scope: scope, From: "ada", Body: fmt.Sprintf("c%d", i), Now: now.Add(time.Duration(i) * time.Second)})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if i == 1 {
				anchor = res.Stored
			}
		}

		page, err := st.Query(ctx, QueryInput{Scope: scope, BeforeID: anchor.ID})
		if err != nil {
			t.Fatalf("id-only cursor: %v", err)
		}
		if len(page.Messages) != 1 || page.Messages[0].Body != "c0" {
			t.Fatalf("expected only the message older than the anchor, got %+v", page.Messages)
		}

		if _, err := st.Query(ctx, QueryInput{Scope: scope, BeforeID: "01MISSING"}); !errors.Is(err, ErrCursorNotFound) {
			t.Fatalf("deleted cursor id must error, got %v", err)
		}
	})

	t.Run("Search", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		scope := Scope{A: "ada", B: "zoe"}
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		bodies := []string{"deploy went fine", "rollback NOW", "lunch?", "deploy redo tomorrow"}
		for i, b := range bodies {
			if _, err := st.Append(ctx, AppendInput{Scope: scope, From: "ada", Body: b, Now: now.Add(time.Duration(i) * time.Second)}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}

		hits, err := st.Search(ctx, scope, "deploy", 10)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected 2 hits, got %d", len(hits))
		}
		if hits[0].Body != "deploy redo tomorrow" {
			t.Fatalf("expected newest hit first, got %q", hits[0].Body)
		}

		// Other scopes must not leak into results.
		if _, err := st.Append(ctx, AppendInput{Scope: Scope{A: "ada", B: "bob"}, From: "ada", Body: "deploy secret", Now: now}); err != nil {
			t.Fatalf("append: %v", err)
		}
		hits, err = st.Search(ctx, scope, "deploy", 10)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("search leaked across scopes: %d hits", len(hits))
		}
	})

	t.Run("MarkRead", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		scope := Scope{A: "ada", B: "zoe"}
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		var ids []string
		for i := 0; i < 3; i++ {
			res, err := st.Append(ctx, AppendInput{Scope: scope, From: "ada", Body: fmt.Sprintf("r%d", i), Now: now.Add(time.Duration(i) * time.Second)})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			ids = append(ids, res.Stored.ID)
		}

		n, err := st.MarkRead(ctx, scope, ids[1])
		if err != nil {
			t.Fatalf("mark read: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 transitions, got %d", n)
		}

		page, err := st.Query(ctx, QueryInput{Scope: scope})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		byBody := map[string]DeliveryStatus{}
		for _, m := range page.Messages {
			byBody[m.Body] = m.Status
		}
		if byBody["r0"] != StatusRead || byBody["r1"] != StatusRead {
			t.Fatalf("messages at or before the boundary must be read: %+v", byBody)
		}
		if byBody["r2"] != StatusDelivered {
			t.Fatalf("messages after the boundary must stay delivered: %+v", byBody)
		}

		// Idempotent: re-marking transitions nothing.
		n, err = st.MarkRead(ctx, scope, ids[1])
		if err != nil {
			t.Fatalf("re-mark: %v", err)
		}
		if n != 0 {
			t.Fatalf("expected 0 transitions on repeat, got %d", n)
		}
	})

	t.Run("RejectsInvalidInput", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		if _, err := st.Append(ctx, AppendInput{Scope: Scope{A: "ada", B: "ada"}, From: "ada", Body: "x"}); err == nil {
			t.Fatalf("self-scope append must fail")
		}
		if _, err := st.Append(ctx, AppendInput{Scope: Scope{A: "ada", B: "zoe"}, From: "mallory", Body: "x"}); err == nil {
			t.Fatalf("outsider append must fail")
		}
		if _, err := st.Append(ctx, AppendInput{Scope: Scope{A: "ada", B: "zoe"}, From: "ada", Body: "   "}); err == nil {
			t.Fatalf("blank body append must fail")
		}
		if _, err := st.Query(ctx, QueryInput{Scope: Scope{A: "", B: "zoe"}}); err == nil {
			t.Fatalf("invalid scope query must fail")
		}
	})
}
