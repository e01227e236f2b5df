// Package planfix is the REST client for the Planfix API together with
// the rate governor every request is funneled through.
package planfix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// apiErrThrottle is Planfix's "too many requests" error code,
	// delivered with HTTP 403.
	apiErrThrottle = 22
	// apiErrNotFound is Planfix's "object not found" error code.
	apiErrNotFound = 1000
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	gov     *Governor
	logger  *slog.Logger
}

type ClientOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Governor   *Governor
	Logger     *slog.Logger
}

func NewClient(opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Governor == nil {
		opts.Governor = NewGovernor(GovernorOptions{Logger: opts.Logger})
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		httpc:   opts.HTTPClient,
		gov:     opts.Governor,
		logger:  opts.Logger,
	}
}

// Governor exposes the shared governor so other components (startup
// sweeps, cron refresh) go through the same pacing.
func (c *Client) Governor() *Governor {
	return c.gov
}

type envelope struct {
	Result      string  `json:"result"`
	Code        int     `json:"code"`
	ErrorText   string  `json:"error"`
	TimeToReset float64 `json:"timeToReset"`
}

// do issues one governed JSON request. Throttle responses are reported
// to the governor via the Outcome and retried there; every other error
// is returned to the caller as-is.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	op := method + " " + path
	return c.gov.Execute(ctx, op, func(ctx context.Context) (Outcome, error) {
		outcome := Outcome{Remaining: -1}

		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return outcome, fmt.Errorf("marshal %s body: %w", op, err)
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return outcome, fmt.Errorf("build %s request: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return outcome, fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()

		if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				outcome.Remaining = n
			}
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return outcome, fmt.Errorf("read %s response: %w", op, err)
		}

		var env envelope
		_ = json.Unmarshal(data, &env)

		if resp.StatusCode == http.StatusForbidden && env.Code == apiErrThrottle {
			outcome.Throttled = true
			outcome.ResetHint = env.TimeToReset
			return outcome, nil
		}
		if env.Result == "fail" || resp.StatusCode >= 400 {
			if env.Code == apiErrNotFound {
				return outcome, fmt.Errorf("%s: %w", op, ErrNotFound)
			}
			return outcome, &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.ErrorText}
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return outcome, fmt.Errorf("decode %s response: %w", op, err)
			}
		}
		return outcome, nil
	})
}

// Task fetches one task with the fields sync cares about.
func (c *Client) Task(ctx context.Context, id int64) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	path := fmt.Sprintf("/task/%d?fields=id,name,description,status,assignees", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Task{}, err
	}
	return resp.Task, nil
}

// TaskComments returns a task's comments, newest last (provider order).
func (c *Client) TaskComments(ctx context.Context, taskID int64) ([]Comment, error) {
	var resp struct {
		Comments []Comment `json:"comments"`
	}
	path := fmt.Sprintf("/task/%d/comments?fields=id,description,owner,dateTime", taskID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Comments, nil
}

// CreateTask creates a remote task and returns its id.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/task/", req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// UpdateTaskStatus moves a task to the given remote status id.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, statusID int64) error {
	body := map[string]any{
		"status": map[string]int64{"id": statusID},
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/task/%d", taskID), body, nil)
}

// AddComment posts a comment on a task and returns the comment id.
func (c *Client) AddComment(ctx context.Context, taskID int64, text string) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	body := map[string]string{"description": text}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/task/%d/comments/", taskID), body, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// ProcessStatuses fetches the status directory of a process.
func (c *Client) ProcessStatuses(ctx context.Context, processID int64) ([]Status, error) {
	if processID == 0 {
		return nil, fmt.Errorf("process id: %w", ErrNotConfigured)
	}
	var resp struct {
		Statuses []Status `json:"statuses"`
	}
	path := fmt.Sprintf("/process/%d/statuses?fields=id,name,systemName,isActive", processID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

// TasksByStatus lists process tasks sitting in one status.
func (c *Client) TasksByStatus(ctx context.Context, processID, statusID int64) ([]Task, error) {
	body := map[string]any{
		"offset":   0,
		"pageSize": 100,
		"fields":   "id,name,description,status,assignees",
		"filters": []map[string]any{
			{"type": 10, "operator": "equal", "value": statusID},
			{"type": 51, "operator": "equal", "value": processID},
		},
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodPost, "/task/list", body, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}
