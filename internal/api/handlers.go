package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/store"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ClaimRequest is the request body for POST /api/v1/tasks/:id/claim.
type ClaimRequest struct {
	Worker string `json:"worker"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req service.CreateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	task, err := s.svc.CreateTask(c.Request().Context(), req)
	if err != nil {
		return err
	}
	s.logger.Debug("task created", zap.String("task_id", task.ID), zap.String("task_type", string(task.TaskType)))
	return c.JSON(http.StatusCreated, task)
}

func (s *Server) handleListTasks(c echo.Context) error {
	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}
	offset, err := intParam(c, "offset")
	if err != nil {
		return err
	}
	res, err := s.svc.ListTasks(c.Request().Context(), service.ListRequest{
		Status:   c.QueryParam("status"),
		TaskType: c.QueryParam("task_type"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// handleNextTask answers 204 when nothing is claimable.
func (s *Server) handleNextTask(c echo.Context) error {
	var types []store.TaskType
	if raw := c.QueryParam("types"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			tt, err := store.ParseTaskType(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			types = append(types, tt)
		}
	}
	task, err := s.svc.NextClaimable(c.Request().Context(), types)
	if err != nil {
		return err
	}
	if task == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.svc.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	var patch store.TaskPatch
	if err := c.Bind(&patch); err != nil {
		s.logger.Warn("invalid update request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	task, err := s.svc.UpdateTask(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleClaimTask(c echo.Context) error {
	var req ClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Worker) == "" {
		return &store.ValidationError{Field: "worker", Reason: "must not be empty"}
	}
	task, err := s.svc.ClaimTask(c.Request().Context(), c.Param("id"), req.Worker)
	switch {
	case store.IsConflict(err):
		s.gauges.ObserveClaim("conflict")
		return err
	case err != nil:
		return err
	}
	s.gauges.ObserveClaim("ok")
	s.logger.Debug("task claimed", zap.String("task_id", task.ID), zap.String("worker", req.Worker))
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleEvents(c echo.Context) error {
	events, err := s.svc.Events(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if events == nil {
		events = []store.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleRoute(c echo.Context) error {
	route, err := s.svc.Route(c.QueryParam("task_type"), c.QueryParam("executor"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, route)
}

func (s *Server) handlePipeline(c echo.Context) error {
	ps, err := s.monitor.Snapshot(c.Request().Context(), s.config.Pipeline)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ps)
}

func (s *Server) handleMetrics(c echo.Context) error {
	summary, err := s.monitor.Aggregator().Summary(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleIssues(c echo.Context) error {
	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = service.DefaultListLimit
	}
	issues, err := s.monitor.Issues(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, issues)
}

// intParam reads an optional integer query parameter; absent is 0.
func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &store.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}
