package controlroomsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Control Room HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Priority        string `json:"priority"`
	Scope           string `json:"scope,omitempty"`
	Status          string `json:"status"`
	StatusReason    string `json:"status_reason,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	PayloadHash     string `json:"payload_hash"`
	CreatedAt       string `json:"created_at"`
}

// SubmitResult reports whether the submission created a new task or hit an
// existing identical one.
type SubmitResult struct {
	Task    Task `json:"task"`
	Created bool `json:"created"`
}

// Approval represents a pending or resolved approval.
type Approval struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	PolicyID    string `json:"policy_id"`
	Scope       string `json:"scope"`
	Status      string `json:"status"`
	RequestedAt string `json:"requested_at"`
	ExpiresAt   string `json:"expires_at"`
}

// Run represents one execution attempt.
type Run struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status"`
	SpawnedTS   string  `json:"spawned_ts"`
	CompletedTS *string `json:"completed_ts,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID            int64          `json:"id"`
	Seq           int64          `json:"seq"`
	TS            string         `json:"ts"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	Channel       string         `json:"channel"`
	Payload       map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitTask submits a unit of work. Resubmitting identical fields returns
// the existing task with Created=false.
func (c *Client) SubmitTask(ctx context.Context, taskType, priority, scope, reason string, payload map[string]any) (SubmitResult, error) {
	body := map[string]any{
		"type":     taskType,
		"priority": priority,
		"scope":    scope,
		"reason":   reason,
		"payload":  payload,
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task with its runs and approvals.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp.Task, err
}

// CancelTask requests cancellation.
func (c *Client) CancelTask(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// PendingApprovals lists approvals awaiting a decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]Approval, error) {
	var resp struct {
		Items []Approval `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/approvals?status=requested", nil, &resp)
	return resp.Items, err
}

// Approve resolves an approval positively.
func (c *Client) Approve(ctx context.Context, approvalID, reason string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v0/approvals/"+url.PathEscape(approvalID)+"/approve", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Reject resolves an approval negatively; the waiting task fails.
func (c *Client) Reject(ctx context.Context, approvalID, reason string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v0/approvals/"+url.PathEscape(approvalID)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// CompleteRun closes a run; final folds the outcome into the task.
func (c *Client) CompleteRun(ctx context.Context, runID, status string, final bool) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(runID)+"/complete", map[string]any{"status": status, "final": final}, &resp)
	return resp, err
}

// Events returns recent events, optionally after a cursor id.
func (c *Client) Events(ctx context.Context, limit int, after int64) ([]Event, error) {
	endpoint := "v0/events"
	var params []string
	if limit > 0 {
		params = append(params, fmt.Sprintf("limit=%d", limit))
	}
	if after > 0 {
		params = append(params, fmt.Sprintf("after=%d", after))
	}
	if len(params) > 0 {
		endpoint += "?" + strings.Join(params, "&")
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
