package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"tether/internal/store"
	v1 "tether/shared/contracts/sync/v1"
)

func apiRequest(t *testing.T, handler http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set(identityHeader, "ada")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func seedMessages(t *testing.T, g *Gateway, n int) []store.Message {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]store.Message, 0, n)
	for i := 0; i < n; i++ {
		res, _, err := g.AppendAndBroadcast(context.Background(), AppendRequest{
			Scope:          store.Scope{A: "ada", B: "zoe"},
			From:           "ada",
			Body:           fmt.Sprintf("seed %02d", i),
			ClientOriginID: fmt.Sprintf("seed-%02d", i),
			Now:            base.Add(time.Duration(i) * time.Second),
			Channel:        "rest",
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		out = append(out, res.Stored)
	}
	return out
}

func TestListMessagesRequiresAuth(t *testing.T) {
	g := newTestGateway(t)
	router := g.Router()

	req := httptest.NewRequest(http.MethodGet, "/messages?a=ada&b=zoe", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
}

func TestListMessagesPagination(t *testing.T) {
	g := newTestGateway(t)
	router := g.Router()
	seedMessages(t, g, 3)

	rec := apiRequest(t, router, http.MethodGet, "/messages?a=ada&b=zoe&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var page listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("expected 2 items + has_more, got %d %v", len(page.Items), page.HasMore)
	}
	if page.Items[0].Body != "seed 02" {
		t.Fatalf("expected newest first, got %q", page.Items[0].Body)
	}

	last := page.Items[1]
	next := apiRequest(t, router, http.MethodGet,
		"/messages?a=ada&b=zoe&before="+url.QueryEscape(last.TS.Format(time.RFC3339Nano))+"&before_id="+last.ID, "")
	if next.Code != http.StatusOK {
		t.Fatalf("second page: %d: %s", next.Code, next.Body)
	}
	var rest listResponse
	if err := json.Unmarshal(next.Body.Bytes(), &rest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest.Items) != 1 || rest.HasMore {
		t.Fatalf("expected last single item, got %d %v", len(rest.Items), rest.HasMore)
	}
}

func TestListMessagesCursorValidation(t *testing.T) {
	g := newTestGateway(t)
	router := g.Router()
	seedMessages(t, g, 1)

	// A timestamp without an id is ambiguous.
	ts := url.QueryEscape(time.Now().UTC().Format(time.RFC3339Nano))
	rec := apiRequest(t, router, http.MethodGet, "/messages?a=ada&b=zoe&before="+ts, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("before without before_id must 400, got %d", rec.Code)
	}

	// An id referencing a deleted message must error, never silently return
	// the newest page.
	rec = apiRequest(t, router, http.MethodGet, "/messages?a=ada&b=zoe&before_id=01GONE", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown cursor id must 400, got %d", rec.Code)
	}

	rec = apiRequest(t, router, http.MethodGet, "/messages?a=ada&b=ada", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("self scope must 400, got %d", rec.Code)
	}
}

func TestSendMessageAndDuplicate(t *testing.T) {
	g := newTestGateway(t)
	router := g.Router()

	body := `{"scope":{"a":"ada","b":"zoe"},"body":"over rest","client_origin_id":"rest-1"}`
	rec := apiRequest(t, router, http.MethodPost, "/messages", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var first sendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Seq != 1 || first.Duplicated {
		t.Fatalf("unexpected first send: %+v", first)
	}

	rec = apiRequest(t, router, http.MethodPost, "/messages", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate should answer 200, got %d", rec.Code)
	}
	var dup sendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &dup); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !dup.Duplicated || dup.ID != first.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.ID, dup)
	}
}

func TestSendMessageRejectsInvalidBody(t *testing.T) {
	g := newTestGateway(t)
	router := g.Router()

	rec := apiRequest(t, router, http.MethodPost, "/messages", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rec.Code)
	}

	rec = apiRequest(t, router, http.MethodPost, "/messages", `{"scope":{"a":"ada","b":"zoe"},"body":"x"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing client_origin_id must 422, got %d", rec.Code)
	}
}

func TestPollEvents(t *testing.T) {
	g := newTestGateway(t)
	router := g.Router()
	seedMessages(t, g, 3)

	rec := apiRequest(t, router, http.MethodGet, "/events/poll?after_seq=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var res pollResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.CurrentSeq != 3 || len(res.Events) != 2 || res.WindowExhausted {
		t.Fatalf("unexpected poll result: current=%d events=%d exhausted=%v", res.CurrentSeq, len(res.Events), res.WindowExhausted)
	}
	if res.ServerEpoch != g.events.Epoch() {
		t.Fatalf("poll must report the instance epoch")
	}

	rec = apiRequest(t, router, http.MethodGet, "/events/poll?after_seq=-2", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative after_seq must 400, got %d", rec.Code)
	}
}

func TestSearchMessages(t *testing.T) {
	g := newTestGateway(t)
	router := g.Router()
	seedMessages(t, g, 3)

	rec := apiRequest(t, router, http.MethodGet, "/messages/search?a=ada&b=zoe&q=seed+01", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var page listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Body != "seed 01" {
		t.Fatalf("unexpected hits: %+v", page.Items)
	}

	rec = apiRequest(t, router, http.MethodGet, "/messages/search?a=ada&b=zoe", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q must 400, got %d", rec.Code)
	}
}

func TestRESTRateLimitReturns429(t *testing.T) {
	t.Setenv("TETHER_REST_RATE_EVENTS", "3")
	t.Setenv("TETHER_REST_RATE_WINDOW", "1m")

	g := newTestGateway(t)
	router := g.Router()

	var last int
	for i := 0; i < 4; i++ {
		rec := apiRequest(t, router, http.MethodGet, "/events/poll", "")
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the limit, got %d", last)
	}

	var e apiError
	rec := apiRequest(t, router, http.MethodGet, "/events/poll", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Code != v1.CodeRateLimited {
		t.Fatalf("expected %s, got %+v", v1.CodeRateLimited, e)
	}
}

func TestSSEStreamReplaysAndStreams(t *testing.T) {
	g := newTestGateway(t)
	seeded := seedMessages(t, g, 2)

	srv := httptest.NewServer(http.HandlerFunc(g.HandleSSE))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"?last_seq=0", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set(identityHeader, "zoe")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	events := make(chan v1.Envelope, 8)
	go func() {
		defer close(events)
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 1024)
		for {
			n, err := resp.Body.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
				for {
					idx := strings.Index(string(buf), "\n\n")
					if idx < 0 {
						break
					}
					block := string(buf[:idx])
					buf = buf[idx+2:]
					for _, line := range strings.Split(block, "\n") {
						if !strings.HasPrefix(line, "data: ") {
							continue
						}
						var env v1.Envelope
						if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil {
							events <- env
						}
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	expect := func(wantType string) v1.Envelope {
		select {
		case env, ok := <-events:
			if !ok {
				t.Fatalf("stream closed waiting for %s", wantType)
			}
			if env.Type != wantType {
				t.Fatalf("expected %s, got %s", wantType, env.Type)
			}
			return env
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %s", wantType)
		}
		return v1.Envelope{}
	}

	expect(v1.TypeConnected)
	replayed := expect(v1.TypeMessage)
	if replayed.Seq == nil || *replayed.Seq != 1 {
		t.Fatalf("expected replay starting at seq 1, got %+v", replayed.Seq)
	}
	expect(v1.TypeMessage)

	// A live broadcast after replay flows on the same stream.
	if _, _, err := g.AppendAndBroadcast(context.Background(), AppendRequest{
		Scope:          store.Scope{A: "ada", B: "zoe"},
		From:           "ada",
		Body:           "live one",
		ClientOriginID: "live-1",
		Now:            seeded[1].CreatedAt.Add(time.Second),
		Channel:        "rest",
	}); err != nil {
		t.Fatalf("live append: %v", err)
	}
	live := expect(v1.TypeMessage)
	if live.Seq == nil || *live.Seq != 3 {
		t.Fatalf("expected live event at seq 3, got %+v", live.Seq)
	}
}
