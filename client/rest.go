package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	v1 "tether/shared/contracts/sync/v1"
)

// restClient talks to the gateway's REST-style query interface. It backs the
// polling channel, initial load, pagination, search, and full resynchronization.
type restClient struct {
	baseURL  string
	token    string
	identity string
	http     *http.Client
}

func newRESTClient(baseURL, token, identity string, hc *http.Client) *restClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &restClient{baseURL: baseURL, token: token, identity: identity, http: hc}
}

type listPage struct {
	Items   []restMessage `json:"items"`
	HasMore bool          `json:"has_more"`
}

type restMessage struct {
	ID             string    `json:"id"`
	Scope          v1.Scope  `json:"scope"`
	From           string    `json:"from"`
	Body           string    `json:"body"`
	TS             time.Time `json:"ts"`
	Status         string    `json:"status"`
	ClientOriginID string    `json:"client_origin_id"`
}

// List fetches one page of conversation history, newest first.
// before and beforeID travel together; the server resolves an id-only cursor.
func (c *restClient) List(ctx context.Context, scope v1.Scope, before *time.Time, beforeID string, limit int) (listPage, error) {
	q := url.Values{}
	q.Set("a", scope.A)
	q.Set("b", scope.B)
	if beforeID != "" {
		q.Set("before_id", beforeID)
		if before != nil {
			q.Set("before", before.Format(time.RFC3339Nano))
		}
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var page listPage
	if err := c.getJSON(ctx, "/v1/messages?"+q.Encode(), &page); err != nil {
		return listPage{}, err
	}
	return page, nil
}

// Search queries message bodies within one scope.
func (c *restClient) Search(ctx context.Context, scope v1.Scope, query string, limit int) (listPage, error) {
	q := url.Values{}
	q.Set("a", scope.A)
	q.Set("b", scope.B)
	q.Set("q", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var page listPage
	if err := c.getJSON(ctx, "/v1/messages/search?"+q.Encode(), &page); err != nil {
		return listPage{}, err
	}
	return page, nil
}

type pollResult struct {
	Events          []v1.Envelope `json:"events"`
	CurrentSeq      int64         `json:"current_seq"`
	ServerEpoch     string        `json:"server_epoch"`
	WindowExhausted bool          `json:"window_exhausted"`
}

// Poll fetches broadcast events after afterSeq from the replay window.
func (c *restClient) Poll(ctx context.Context, afterSeq int64) (pollResult, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}

	var res pollResult
	if err := c.getJSON(ctx, "/v1/events/poll?after_seq="+strconv.FormatInt(afterSeq, 10), &res); err != nil {
		return pollResult{}, err
	}
	return res, nil
}

type restSendResult struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	TS         time.Time `json:"ts"`
	Duplicated bool      `json:"duplicated"`
}

// Send appends a message over REST. Used for manual retry of failed entries
// when the primary channel stays down.
func (c *restClient) Send(ctx context.Context, scope v1.Scope, body, clientOriginID string) (restSendResult, error) {
	payload, err := json.Marshal(map[string]any{
		"scope":            scope,
		"body":             body,
		"client_origin_id": clientOriginID,
	})
	if err != nil {
		return restSendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return restSendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return restSendResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return restSendResult{}, httpError(resp)
	}

	var out restSendResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return restSendResult{}, err
	}
	return out, nil
}

func (c *restClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *restClient) setAuth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Tether-Identity", c.identity)
}

// apiError mirrors the gateway's REST error body.
type apiError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("client: api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.Code == "" {
		return fmt.Errorf("client: http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	e.StatusCode = resp.StatusCode
	return &e
}
