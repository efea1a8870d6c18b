package http

import (
	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

// SubmitRequest is the request body for POST /api/v1/runs.
type SubmitRequest struct {
	Input string `json:"input"`
}

// RunResponse wraps one run.
type RunResponse struct {
	Run orchestrator.PipelineRun `json:"run"`
}

// RunsResponse is the response body for GET /api/v1/runs.
type RunsResponse struct {
	Runs []orchestrator.PipelineRun `json:"runs"`
}

// ContextResponse is the response body for GET /api/v1/runs/:id/context.
type ContextResponse struct {
	RunID     string                           `json:"run_id"`
	Decisions map[string]contextstore.Decision `json:"decisions"`
}

// RollbackRequest is the request body for POST /api/v1/runs/:id/rollback.
type RollbackRequest struct {
	// Checkpoint is a checkpoint ID or name.
	Checkpoint string `json:"checkpoint"`
	By         string `json:"by"`
}

// ApprovalRequest is the request body for POST /api/v1/runs/:id/approval.
type ApprovalRequest struct {
	Decision approval.Decision `json:"decision"`
	By       string            `json:"by"`
	Note     string            `json:"note,omitempty"`
}

// CancelRequest is the request body for POST /api/v1/runs/:id/cancel.
type CancelRequest struct {
	By string `json:"by"`
}

// ApprovalsResponse is the response body for GET /api/v1/approvals.
type ApprovalsResponse struct {
	Pending []approval.Request `json:"pending"`
}

// AuditResponse is the response body for GET /api/v1/audit.
type AuditResponse struct {
	Events []audit.Event `json:"events"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
