package agentlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Agentline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Spawns that wait for completion can take as long
// as the session timeout, so set Timeout to zero or use a context deadline for those.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// FromEnv builds a client from the environment handed to workers
// (AGENTLINE_URL and AGENTLINE_TOKEN). It returns nil when AGENTLINE_URL is unset.
func FromEnv() *Client {
	base := strings.TrimSpace(os.Getenv("AGENTLINE_URL"))
	if base == "" {
		return nil
	}
	c := New(base)
	c.BearerToken = os.Getenv("AGENTLINE_TOKEN")
	return c
}

// Session is the API session model.
type Session struct {
	ID                      string   `json:"id"`
	ParentID                *string  `json:"parent_id,omitempty"`
	AgentType               string   `json:"agent_type"`
	Project                 string   `json:"project,omitempty"`
	Task                    string   `json:"task"`
	WorkspacePath           string   `json:"workspace_path"`
	Status                  string   `json:"status"`
	EffectiveTimeoutSeconds int      `json:"effective_timeout_seconds"`
	StartedAt               string   `json:"started_at"`
	EndedAt                 *string  `json:"ended_at,omitempty"`
	ElapsedSeconds          *float64 `json:"elapsed_seconds,omitempty"`
	ExitCode                *int     `json:"exit_code,omitempty"`
	ExitSummary             *string  `json:"exit_summary,omitempty"`
	Output                  string   `json:"output,omitempty"`
	EstimatedCostUSD        float64  `json:"estimated_cost_usd"`
}

// Terminal reports whether the session can no longer change.
func (s Session) Terminal() bool {
	switch s.Status {
	case "succeeded", "failed", "timed_out", "cancelled":
		return true
	}
	return false
}

// Message is an inbox entry. ToSessionID is nil for broadcasts.
type Message struct {
	ID            string  `json:"id"`
	Project       string  `json:"project"`
	FromSessionID *string `json:"from_session_id,omitempty"`
	ToSessionID   *string `json:"to_session_id,omitempty"`
	Kind          string  `json:"kind"`
	Payload       string  `json:"payload"`
	ReplyTo       *string `json:"reply_to,omitempty"`
	CreatedAt     string  `json:"created_at"`
	ConsumedAt    *string `json:"consumed_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Project    string         `json:"project"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// SpawnInput is the body of POST /sessions. Wait nil means wait for the session to end.
type SpawnInput struct {
	AgentType       string `json:"agent_type"`
	Task            string `json:"task"`
	WorkspacePath   string `json:"workspace_path"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	TimeoutSeconds  *int   `json:"timeout_seconds,omitempty"`
	Project         string `json:"project,omitempty"`
	Wait            *bool  `json:"wait,omitempty"`
}

// PostInput is the body of POST /messages. An empty ToSessionID broadcasts.
type PostInput struct {
	FromSessionID string `json:"from_session_id,omitempty"`
	ToSessionID   string `json:"to_session_id,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Payload       string `json:"payload"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

type PollInput struct {
	Reader            string
	IncludeBroadcasts bool
	IncludeConsumed   bool
	Kind              string
	Limit             int
}

// ConsumeResult reports whether the acknowledgement was recorded.
type ConsumeResult struct {
	MessageID  string `json:"message_id"`
	ReaderID   string `json:"reader_id,omitempty"`
	ConsumedAt string `json:"consumed_at"`
	Recorded   bool   `json:"recorded"`
}

// APIError wraps non-2xx responses. Code is the error code of the response envelope, if any.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Spawn starts a session.
func (c *Client) Spawn(ctx context.Context, in SpawnInput) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", in, &resp)
	return resp, err
}

// Session fetches a session by id.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Children lists the direct children of a session.
func (c *Client) Children(ctx context.Context, id string) ([]Session, error) {
	var resp struct {
		Items []Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(id)+"/children", nil, &resp)
	return resp.Items, err
}

// Cancel stops an active session.
func (c *Client) Cancel(ctx context.Context, id string, force bool) (Session, error) {
	endpoint := "v0/sessions/" + url.PathEscape(id) + "/cancel"
	if force {
		endpoint += "?force=true"
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// WaitSession polls a session until it is terminal or ctx is done.
func (c *Client) WaitSession(ctx context.Context, id string, every time.Duration) (Session, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		s, err := c.Session(ctx, id)
		if err != nil {
			return Session{}, err
		}
		if s.Terminal() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Post sends a message.
func (c *Client) Post(ctx context.Context, in PostInput) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, "v0/messages", in, &resp)
	return resp, err
}

// Reply answers the sender of a message.
func (c *Client) Reply(ctx context.Context, messageID, fromSessionID, kind, payload string) (Message, error) {
	body := map[string]any{"payload": payload}
	if fromSessionID != "" {
		body["from_session_id"] = fromSessionID
	}
	if kind != "" {
		body["kind"] = kind
	}
	var resp Message
	err := c.do(ctx, http.MethodPost, "v0/messages/"+url.PathEscape(messageID)+"/reply", body, &resp)
	return resp, err
}

// Poll returns unconsumed messages oldest first. It does not consume them.
func (c *Client) Poll(ctx context.Context, in PollInput) ([]Message, error) {
	q := url.Values{}
	if in.Reader != "" {
		q.Set("reader", in.Reader)
	}
	if in.IncludeBroadcasts {
		q.Set("include_broadcasts", "true")
	}
	if in.IncludeConsumed {
		q.Set("include_consumed", "true")
	}
	if in.Kind != "" {
		q.Set("kind", in.Kind)
	}
	if in.Limit > 0 {
		q.Set("limit", strconv.Itoa(in.Limit))
	}
	endpoint := "v0/messages"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Message `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Consume acknowledges a message for reader.
func (c *Client) Consume(ctx context.Context, messageID, reader string) (ConsumeResult, error) {
	body := map[string]any{}
	if reader != "" {
		body["reader_id"] = reader
	}
	var resp ConsumeResult
	err := c.do(ctx, http.MethodPost, "v0/messages/"+url.PathEscape(messageID)+"/consume", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
