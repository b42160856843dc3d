// Package service is the task-facing contract shared by the HTTP API, the
// scheduler, the monitor and in-process workers: request validation and
// routing on create, then delegation to the store.
package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/imkarma/forge/internal/router"
	"github.com/imkarma/forge/internal/store"
)

const (
	MaxDirectionLen  = 5000
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// CreateRequest is the input of task creation.
type CreateRequest struct {
	Direction string         `json:"direction"`
	TaskType  string         `json:"task_type"`
	Context   map[string]any `json:"context,omitempty"`
	Attempt   int            `json:"-"`
}

// ListRequest filters and pages a task listing. Limit 0 means the default.
type ListRequest struct {
	Status   string
	TaskType string
	Limit    int
	Offset   int
}

// ListResult is one page of tasks plus the filter's total.
type ListResult struct {
	Items []store.Task `json:"items"`
	Total int          `json:"total"`
}

// Service wires the router into task creation.
type Service struct {
	Store  *store.Store
	Router *router.Router
}

// New creates a Service.
func New(st *store.Store, r *router.Router) *Service {
	return &Service{Store: st, Router: r}
}

// CreateTask validates the request, routes it and inserts a pending task.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (*store.Task, error) {
	trimmed := strings.TrimSpace(req.Direction)
	if trimmed == "" {
		return nil, &store.ValidationError{Field: "direction", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(trimmed); n > MaxDirectionLen {
		return nil, &store.ValidationError{
			Field:  "direction",
			Reason: fmt.Sprintf("%d characters exceeds the %d limit", n, MaxDirectionLen),
		}
	}
	tt, err := store.ParseTaskType(req.TaskType)
	if err != nil {
		return nil, err
	}

	route, err := s.Router.Route(tt, req.Context)
	if err != nil {
		return nil, err
	}
	taskCtx := make(map[string]any, len(req.Context)+1)
	for k, v := range req.Context {
		taskCtx[k] = v
	}
	taskCtx[store.CtxExecutor] = route.Executor

	return s.Store.CreateTask(ctx, store.NewTask{
		Direction: req.Direction,
		TaskType:  tt,
		Context:   taskCtx,
		Model:     route.Model,
		Tier:      string(route.Tier),
		Command:   route.Command,
		Attempt:   req.Attempt,
	})
}

// ListTasks validates paging and filters, then lists newest first.
func (s *Service) ListTasks(ctx context.Context, req ListRequest) (*ListResult, error) {
	limit := req.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 1 || limit > MaxListLimit {
		return nil, &store.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxListLimit)}
	}
	if req.Offset < 0 {
		return nil, &store.ValidationError{Field: "offset", Reason: "must not be negative"}
	}

	var f store.TaskFilter
	if req.Status != "" {
		st, err := store.ParseStatus(req.Status)
		if err != nil {
			return nil, err
		}
		f.Status = st
	}
	if req.TaskType != "" {
		tt, err := store.ParseTaskType(req.TaskType)
		if err != nil {
			return nil, err
		}
		f.TaskType = tt
	}

	items, total, err := s.Store.ListTasks(ctx, f, limit, req.Offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Task{}
	}
	return &ListResult{Items: items, Total: total}, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return s.Store.GetTask(ctx, id)
}

// TasksByStatus returns up to limit tasks in one status, oldest first.
func (s *Service) TasksByStatus(ctx context.Context, status store.TaskStatus, limit int) ([]store.Task, error) {
	return s.Store.TasksByStatus(ctx, status, limit)
}

// UpdateTask applies a patch through the store's state machine.
func (s *Service) UpdateTask(ctx context.Context, id string, p store.TaskPatch) (*store.Task, error) {
	return s.Store.UpdateTask(ctx, id, p)
}

// ClaimTask claims a task for a worker.
func (s *Service) ClaimTask(ctx context.Context, id, workerID string) (*store.Task, error) {
	return s.Store.ClaimTask(ctx, id, workerID)
}

// NextClaimable returns the oldest claimable task, or nil.
func (s *Service) NextClaimable(ctx context.Context, types []store.TaskType) (*store.Task, error) {
	return s.Store.NextClaimable(ctx, types)
}

// Events returns a task's audit trail.
func (s *Service) Events(ctx context.Context, id string) ([]store.Event, error) {
	if _, err := s.Store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.GetEvents(ctx, id)
}

// Route resolves routing without creating anything.
func (s *Service) Route(taskType, executor string) (router.Route, error) {
	tt, err := store.ParseTaskType(taskType)
	if err != nil {
		return router.Route{}, err
	}
	return s.Router.Lookup(tt, executor)
}
