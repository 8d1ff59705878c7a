// Package http provides the REST API of flowd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/catalog"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/orchestrator"
	"github.com/fyrsmithlabs/flowd/internal/store"
	"github.com/fyrsmithlabs/flowd/internal/telemetry"
)

// Catalog resolves named workflows.
type Catalog interface {
	Get(name string) (catalog.Entry, bool)
	List() []catalog.Entry
	Errors() []*catalog.FileError
}

// History serves executions the engine no longer holds in memory.
type History interface {
	Get(ctx context.Context, id string) (execution.Snapshot, error)
	List(ctx context.Context, f store.Filter) ([]execution.Snapshot, error)
}

// TelemetryHealth reports exporter health for GET /health.
type TelemetryHealth interface {
	Health() telemetry.HealthStatus
}

// Server provides HTTP endpoints for flowd.
type Server struct {
	echo     *echo.Echo
	engine   *orchestrator.Orchestrator
	executor orchestrator.StepExecutor
	catalog  Catalog
	history  History
	events   events.Subscriber
	metrics  *HTTPMetrics
	tel      TelemetryHealth
	logger   *logging.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithCatalog enables the workflow routes and execution by name.
func WithCatalog(c Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithHistory enables lookups of persisted executions.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithEvents enables the SSE event stream.
func WithEvents(sub events.Subscriber) Option {
	return func(s *Server) { s.events = sub }
}

// WithTelemetry adds exporter health to GET /health. A degraded exporter
// reports status "degraded" without failing the check.
func WithTelemetry(t TelemetryHealth) Option {
	return func(s *Server) { s.tel = t }
}

// WithMetrics records request metrics through m.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(engine *orchestrator.Orchestrator, executor orchestrator.StepExecutor, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if executor == nil {
		return nil, fmt.Errorf("step executor cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8585,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		engine:   engine,
		executor: executor,
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// requestLogger attaches the request id to the context and logs each
// request once it completes.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), reqID)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		if err != nil {
			// let echo write the response so the status below is final
			c.Error(err)
		}

		status := c.Response().Status
		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error(ctx, "http request", append(fields, zap.Error(err))...)
		} else {
			s.logger.Info(ctx, "http request", fields...)
		}
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/plan", s.handlePlan)

	v1.GET("/workflows", s.handleListWorkflows)
	v1.GET("/workflows/:name", s.handleGetWorkflow)

	v1.POST("/executions", s.handleExecute)
	v1.GET("/executions", s.handleListExecutions)
	v1.GET("/executions/:id", s.handleGetExecution)
	v1.POST("/executions/:id/cancel", s.handleCancel)
	v1.GET("/executions/:id/events", s.handleEvents)

	v1.GET("/approvals", s.handleListApprovals)
	v1.POST("/approvals/:id/approve", s.handleApprove)
	v1.POST("/approvals/:id/reject", s.handleReject)
}

// Echo exposes the router for extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server and blocks until it stops. A graceful
// Shutdown returns nil.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
