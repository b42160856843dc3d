// Package client talks to a forge server over HTTP. It satisfies the
// worker's task contract, so a worker process on another machine behaves
// exactly like an in-process one.
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
	"strings"
	"time"

	"github.com/imkarma/forge/internal/api"
	"github.com/imkarma/forge/internal/metrics"
	"github.com/imkarma/forge/internal/monitor"
	"github.com/imkarma/forge/internal/router"
	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/store"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Client is a forge API client.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the server at baseURL (e.g. http://127.0.0.1:8420).
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, req service.CreateRequest) (*store.Task, error) {
	var task store.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", nil, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks lists one page of tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, req service.ListRequest) (*service.ListResult, error) {
	q := url.Values{}
	if req.Status != "" {
		q.Set("status", req.Status)
	}
	if req.TaskType != "" {
		q.Set("task_type", req.TaskType)
	}
	if req.Limit != 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Offset != 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}
	var res service.ListResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// TasksByStatus lists up to limit tasks in a status, oldest first.
func (c *Client) TasksByStatus(ctx context.Context, status store.TaskStatus, limit int) ([]store.Task, error) {
	if limit > service.MaxListLimit {
		limit = service.MaxListLimit
	}
	res, err := c.ListTasks(ctx, service.ListRequest{Status: string(status), Limit: limit})
	if err != nil {
		return nil, err
	}
	// the API lists newest first
	tasks := res.Items
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	return tasks, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*store.Task, error) {
	var task store.Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask applies a patch.
func (c *Client) UpdateTask(ctx context.Context, id string, p store.TaskPatch) (*store.Task, error) {
	var task store.Task
	if err := c.do(ctx, http.MethodPatch, "/api/v1/tasks/"+url.PathEscape(id), nil, p, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask claims a task for workerID.
func (c *Client) ClaimTask(ctx context.Context, id, workerID string) (*store.Task, error) {
	var task store.Task
	path := "/api/v1/tasks/" + url.PathEscape(id) + "/claim"
	if err := c.do(ctx, http.MethodPost, path, nil, api.ClaimRequest{Worker: workerID}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// NextClaimable returns the oldest claimable task, or nil when there is none.
func (c *Client) NextClaimable(ctx context.Context, types []store.TaskType) (*store.Task, error) {
	q := url.Values{}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q.Set("types", strings.Join(names, ","))
	}
	var task *store.Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/next", q, nil, &task); err != nil {
		return nil, err
	}
	return task, nil
}

// Events returns a task's audit trail.
func (c *Client) Events(ctx context.Context, id string) ([]store.Event, error) {
	var events []store.Event
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/events", nil, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Route looks up routing without creating a task.
func (c *Client) Route(ctx context.Context, taskType, executor string) (*router.Route, error) {
	q := url.Values{"task_type": {taskType}}
	if executor != "" {
		q.Set("executor", executor)
	}
	var route router.Route
	if err := c.do(ctx, http.MethodGet, "/api/v1/route", q, nil, &route); err != nil {
		return nil, err
	}
	return &route, nil
}

// Pipeline returns the pipeline snapshot.
func (c *Client) Pipeline(ctx context.Context) (*monitor.PipelineStatus, error) {
	var ps monitor.PipelineStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/pipeline", nil, nil, &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// Metrics returns the rolling metrics summary.
func (c *Client) Metrics(ctx context.Context) (*metrics.Summary, error) {
	var s metrics.Summary
	if err := c.do(ctx, http.MethodGet, "/api/v1/metrics", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Issues returns open issues and up to limit resolved ones.
func (c *Client) Issues(ctx context.Context, limit int) (*monitor.IssueList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var list monitor.IssueList
	if err := c.do(ctx, http.MethodGet, "/api/v1/issues", q, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// do sends one request. A 204 leaves out untouched.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, respBody)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// decodeError rebuilds the typed store error from an error response.
func decodeError(code int, body []byte) error {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return fmt.Errorf("server returned status %d: %s", code, strings.TrimSpace(string(body)))
	}
	switch e.Error {
	case api.KindValidation:
		reason := e.Message
		if e.Field != "" {
			reason = strings.TrimPrefix(reason, "validation: "+e.Field+": ")
		}
		return &store.ValidationError{Field: e.Field, Reason: strings.TrimPrefix(reason, "validation: ")}
	case api.KindNotFound:
		if e.ID != "" {
			return &store.NotFoundError{ID: e.ID}
		}
	case api.KindConflict:
		return &store.ConflictError{ID: e.ID, Owner: e.Owner}
	case api.KindIllegalTransition:
		return &store.IllegalTransitionError{From: store.TaskStatus(e.From), To: store.TaskStatus(e.To)}
	}
	return fmt.Errorf("server returned status %d: %s: %s", code, e.Error, e.Message)
}
