package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ActorHeader names the caller when a request body carries no "by".
const ActorHeader = "X-Pipelined-Actor"

// maxInputBytes bounds a submitted request.
const maxInputBytes = 1 << 20

// submitBodyLimit caps the raw submit body before it is decoded. It leaves
// room for JSON escaping of an input at maxInputBytes.
const submitBodyLimit = "2M"

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if len(s.checks) > 0 {
		resp.Services = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(c.Request().Context()); err != nil {
				resp.Services[name] = "error: " + err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Services[name] = "ok"
		}
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Input == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input field is required")
	}
	if len(req.Input) > maxInputBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "input exceeds 1MiB")
	}

	run, err := s.runs.Submit(requestContext(c), req.Input)
	if err != nil {
		return s.fail(c, "submit", err)
	}
	return c.JSON(http.StatusAccepted, RunResponse{Run: run})
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs := s.runs.List()
	if status := c.QueryParam("status"); status != "" {
		filtered := runs[:0]
		for _, r := range runs {
			if string(r.Status) == status {
				filtered = append(filtered, r)
			}
		}
		runs = filtered
	}
	return c.JSON(http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.runs.Get(c.Param("id"))
	if err != nil {
		return s.fail(c, "get run", err)
	}
	return c.JSON(http.StatusOK, RunResponse{Run: run})
}

func (s *Server) handleRunContext(c echo.Context) error {
	id := c.Param("id")
	decisions, err := s.runs.Context(id)
	if err != nil {
		return s.fail(c, "run context", err)
	}
	return c.JSON(http.StatusOK, ContextResponse{RunID: id, Decisions: decisions})
}

func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Checkpoint == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "checkpoint field is required")
	}
	run, err := s.runs.Rollback(requestContext(c), c.Param("id"), req.Checkpoint, actor(c, req.By))
	if err != nil {
		return s.fail(c, "rollback", err)
	}
	return c.JSON(http.StatusOK, RunResponse{Run: run})
}

func (s *Server) handleApproval(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d, err := approval.ParseDecision(string(req.Decision))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := s.runs.Resolve(requestContext(c), c.Param("id"), d, actor(c, req.By), req.Note)
	if err != nil {
		return s.fail(c, "approval", err)
	}
	return c.JSON(http.StatusOK, RunResponse{Run: run})
}

func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	run, err := s.runs.Cancel(requestContext(c), c.Param("id"), actor(c, req.By))
	if err != nil {
		return s.fail(c, "cancel", err)
	}
	return c.JSON(http.StatusOK, RunResponse{Run: run})
}

func (s *Server) handleApprovals(c echo.Context) error {
	return c.JSON(http.StatusOK, ApprovalsResponse{Pending: s.approvals.Pending()})
}

func (s *Server) handleAudit(c echo.Context) error {
	f := audit.Filter{
		RunID:   c.QueryParam("run_id"),
		Subject: c.QueryParam("subject"),
		Kind:    audit.Kind(c.QueryParam("kind")),
	}
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be a sequence number")
		}
		f.AfterSeq = n
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return c.JSON(http.StatusOK, AuditResponse{Events: s.audit.Events(f)})
}

// fail maps orchestrator errors to HTTP status codes.
func (s *Server) fail(c echo.Context, op string, err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound),
		errors.Is(err, orchestrator.ErrCheckpointNotFound),
		errors.Is(err, approval.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, approval.ErrInvalidDecision):
		code = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.String("request.id", requestID(c)), zap.Error(err))
	}
	return echo.NewHTTPError(code, err.Error())
}

func actor(c echo.Context, by string) string {
	if by != "" {
		return by
	}
	if h := c.Request().Header.Get(ActorHeader); h != "" {
		return h
	}
	return "anonymous"
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

func requestContext(c echo.Context) context.Context {
	return logging.WithRequestID(c.Request().Context(), requestID(c))
}
