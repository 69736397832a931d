package kanboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal kanboard HTTP API client bound to one board.
type Client struct {
	BaseURL     string
	BoardID     string
	BearerToken string
	// ActorID is sent as X-Actor-Id; servers with JWT auth ignore it.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, boardID string) *Client {
	return &Client{
		BaseURL: baseURL,
		BoardID: boardID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          string  `json:"id"`
	BoardID     string  `json:"board_id"`
	Seq         int64   `json:"seq"`
	Title       string  `json:"title"`
	State       string  `json:"state"`
	OwnerID     *string `json:"owner_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type Owner struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Position          int    `json:"position"`
	HasWorkInProgress bool   `json:"has_work_in_progress"`
	IsTesting         bool   `json:"is_testing"`
}

type Status struct {
	BoardID    string         `json:"board_id"`
	Name       string         `json:"name"`
	TaskCounts map[string]int `json:"task_counts"`
	Owners     []Owner        `json:"owners"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	BoardID    string         `json:"board_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error code from the response
// envelope when one was returned.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCapacityExceeded reports whether err is a rejected pull because no owner
// was free.
func IsCapacityExceeded(err error) bool {
	return hasCode(err, "capacity_exceeded")
}

// IsIllegalTransition reports whether err is a pull of a Done task.
func IsIllegalTransition(err error) bool {
	return hasCode(err, "illegal_transition")
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateTask creates a ToDo task.
func (c *Client) CreateTask(ctx context.Context, title string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.boardPath("tasks"), map[string]any{"title": title}, &resp)
	return resp, err
}

// ListTasks lists tasks in creation order. An empty state lists all.
func (c *Client) ListTasks(ctx context.Context, state string) ([]Task, error) {
	endpoint := c.boardPath("tasks")
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.boardPath("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Pull advances a task one state.
func (c *Client) Pull(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.boardPath(fmt.Sprintf("tasks/%s/pull", url.PathEscape(id))), nil, &resp)
	return resp, err
}

func (c *Client) Owners(ctx context.Context) ([]Owner, error) {
	var resp struct {
		Items []Owner `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.boardPath("owners"), nil, &resp)
	return resp.Items, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.boardPath("status"), nil, &resp)
	return resp, err
}

// Events returns the oldest events of the board.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns events with ids greater than after.
func (c *Client) EventsPage(ctx context.Context, limit int, after int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	endpoint := c.boardPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) boardPath(p string) string {
	return fmt.Sprintf("v0/boards/%s/%s", url.PathEscape(c.BoardID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
