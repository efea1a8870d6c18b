// Package http provides the pipelined HTTP API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Runs is the part of the orchestrator the API drives.
type Runs interface {
	Submit(ctx context.Context, input string) (orchestrator.PipelineRun, error)
	Get(id string) (orchestrator.PipelineRun, error)
	List() []orchestrator.PipelineRun
	Context(id string) (map[string]contextstore.Decision, error)
	Cancel(ctx context.Context, id, by string) (orchestrator.PipelineRun, error)
	Resolve(ctx context.Context, id string, d approval.Decision, by, note string) (orchestrator.PipelineRun, error)
	Rollback(ctx context.Context, id, checkpoint, by string) (orchestrator.PipelineRun, error)
}

// Approvals lists open approval requests.
type Approvals interface {
	Pending() []approval.Request
}

// AuditLog reads recorded audit events.
type AuditLog interface {
	Events(f audit.Filter) []audit.Event
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server provides HTTP endpoints for pipelined.
type Server struct {
	echo      *echo.Echo
	runs      Runs
	approvals Approvals
	audit     AuditLog
	checks    map[string]HealthCheck
	limiter   *submitLimiter
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// SubmitRate is the sustained submissions per second allowed per
	// client. Zero disables limiting.
	SubmitRate  float64
	SubmitBurst int
}

// Deps are the components the API serves.
type Deps struct {
	Runs      Runs
	Approvals Approvals
	Audit     AuditLog
	// Checks are reported by GET /health, keyed by dependency name.
	Checks  map[string]HealthCheck
	Metrics *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Runs == nil || deps.Approvals == nil || deps.Audit == nil {
		return nil, fmt.Errorf("runs, approvals and audit are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:        "localhost",
			Port:        9191,
			SubmitRate:  5,
			SubmitBurst: 10,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request.id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		runs:      deps.Runs,
		approvals: deps.Approvals,
		audit:     deps.Audit,
		checks:    deps.Checks,
		limiter:   newSubmitLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		logger:    logger,
		config:    cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleSubmit, s.limiter.middleware(), middleware.BodyLimit(submitBodyLimit))
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/context", s.handleRunContext)
	v1.POST("/runs/:id/rollback", s.handleRollback)
	v1.POST("/runs/:id/approval", s.handleApproval)
	v1.POST("/runs/:id/cancel", s.handleCancel)
	v1.GET("/approvals", s.handleApprovals)
	v1.GET("/audit", s.handleAudit)
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// errorHandler renders every error as an ErrorResponse.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, ErrorResponse{Error: msg})
		}
		if err != nil {
			e.Logger.Error(err)
		}
	}
}
