// Package api is the HTTP+JSON binding of the forge task contract, plus
// the read-only pipeline, metrics and issue views.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imkarma/forge/internal/metrics"
	"github.com/imkarma/forge/internal/monitor"
	"github.com/imkarma/forge/internal/service"
)

// Server serves the forge API.
type Server struct {
	echo    *echo.Echo
	svc     *service.Service
	monitor *monitor.Monitor
	gauges  *metrics.Gauges
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Pipeline is the scheduler state reported by GET /api/v1/pipeline.
	Pipeline string
}

// Deps are the components the handlers delegate to. Gatherer and Gauges
// are optional.
type Deps struct {
	Service  *service.Service
	Monitor  *monitor.Monitor
	Gatherer prometheus.Gatherer
	Gauges   *metrics.Gauges
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Service == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("service and monitor are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8420}
	}
	if cfg.Pipeline == "" {
		cfg.Pipeline = "default"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Commit the error response so the logged status is final.
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		svc:     deps.Service,
		monitor: deps.Monitor,
		gauges:  deps.Gauges,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes(deps.Gatherer)
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/next", s.handleNextTask)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.PATCH("/tasks/:id", s.handleUpdateTask)
	v1.POST("/tasks/:id/claim", s.handleClaimTask)
	v1.GET("/tasks/:id/events", s.handleEvents)
	v1.GET("/route", s.handleRoute)
	v1.GET("/pipeline", s.handlePipeline)
	v1.GET("/metrics", s.handleMetrics)
	v1.GET("/issues", s.handleIssues)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
