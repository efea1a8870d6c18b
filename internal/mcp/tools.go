package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

type runSubmitInput struct {
	Input string `json:"input" jsonschema:"Natural-language request to run through the pipeline"`
}

type runIDInput struct {
	RunID string `json:"run_id" jsonschema:"Run ID"`
}

type runListInput struct {
	Status string `json:"status,omitempty" jsonschema:"Only runs in this status: pending, running, paused, succeeded or failed (optional)"`
}

type runRollbackInput struct {
	RunID      string `json:"run_id" jsonschema:"Run ID of a paused run"`
	Checkpoint string `json:"checkpoint" jsonschema:"Checkpoint ID or name, e.g. initial or after:architect"`
}

type approvalResolveInput struct {
	RunID    string `json:"run_id" jsonschema:"Run ID of a paused run"`
	Decision string `json:"decision" jsonschema:"approve or deny"`
	Note     string `json:"note,omitempty" jsonschema:"Note recorded with the decision (optional)"`
}

type approvalListInput struct{}

type auditQueryInput struct {
	RunID    string `json:"run_id,omitempty" jsonschema:"Only events of this run (optional)"`
	Kind     string `json:"kind,omitempty" jsonschema:"Only events of this kind, e.g. run.transition (optional)"`
	AfterSeq uint64 `json:"after_seq,omitempty" jsonschema:"Only events after this sequence number (optional)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum number of events (default 50)"`
}

const defaultAuditLimit = 50

func (s *Server) registerTools() {
	addTool(s, "run_submit", "Submit a request as a new pipeline run. Returns the run with its ID.",
		func(ctx context.Context, in runSubmitInput) (any, error) {
			if in.Input == "" {
				return nil, fmt.Errorf("input is required")
			}
			return s.backend.Submit(ctx, in.Input)
		})

	addTool(s, "run_status", "Get a run with its status, current stage, checkpoints and attempts.",
		func(ctx context.Context, in runIDInput) (any, error) {
			if in.RunID == "" {
				return nil, fmt.Errorf("run_id is required")
			}
			return s.backend.Get(ctx, in.RunID)
		})

	addTool(s, "run_list", "List runs, oldest first, optionally filtered by status.",
		func(ctx context.Context, in runListInput) (any, error) {
			return s.backend.List(ctx, orchestrator.Status(in.Status))
		})

	addTool(s, "run_context", "Get the latest committed context decisions of a run keyed by name.",
		func(ctx context.Context, in runIDInput) (any, error) {
			if in.RunID == "" {
				return nil, fmt.Errorf("run_id is required")
			}
			return s.backend.Context(ctx, in.RunID)
		})

	addTool(s, "run_rollback", "Roll a paused run back to a checkpoint and resume it from there.",
		func(ctx context.Context, in runRollbackInput) (any, error) {
			if in.RunID == "" || in.Checkpoint == "" {
				return nil, fmt.Errorf("run_id and checkpoint are required")
			}
			return s.backend.Rollback(ctx, in.RunID, in.Checkpoint)
		})

	addTool(s, "run_cancel", "Cancel a pending, running or paused run. Committed context is kept.",
		func(ctx context.Context, in runIDInput) (any, error) {
			if in.RunID == "" {
				return nil, fmt.Errorf("run_id is required")
			}
			return s.backend.Cancel(ctx, in.RunID)
		})

	addTool(s, "approval_resolve", "Approve or deny the pending approval of a paused run.",
		func(ctx context.Context, in approvalResolveInput) (any, error) {
			if in.RunID == "" {
				return nil, fmt.Errorf("run_id is required")
			}
			d, err := approval.ParseDecision(in.Decision)
			if err != nil {
				return nil, err
			}
			return s.backend.Resolve(ctx, in.RunID, d, in.Note)
		})

	addTool(s, "approval_list", "List approvals waiting on a reviewer.",
		func(ctx context.Context, _ approvalListInput) (any, error) {
			return s.backend.Approvals(ctx)
		})

	addTool(s, "audit_query", "Query the audit log, oldest first.",
		func(ctx context.Context, in auditQueryInput) (any, error) {
			limit := in.Limit
			if limit <= 0 {
				limit = defaultAuditLimit
			}
			return s.backend.Audit(ctx, audit.Filter{
				RunID:    in.RunID,
				Kind:     audit.Kind(in.Kind),
				AfterSeq: in.AfterSeq,
				Limit:    limit,
			})
		})
}

// addTool registers a tool whose result is returned as indented JSON text.
func addTool[In any](s *Server, name, description string, call func(context.Context, In) (any, error)) {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        name,
		Description: description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		done := s.metrics.begin(ctx, name)
		var toolErr error
		defer func() { done(toolErr) }()

		out, err := call(ctx, in)
		if err != nil {
			toolErr = fmt.Errorf("%s failed: %w", name, err)
			return nil, nil, toolErr
		}
		text, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			toolErr = fmt.Errorf("%s: failed to encode result: %w", name, err)
			return nil, nil, toolErr
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: string(text)},
			},
		}, nil, nil
	})
}
