package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

type mockBackend struct{ mock.Mock }

func (m *mockBackend) Submit(ctx context.Context, input string) (orchestrator.PipelineRun, error) {
	args := m.Called(ctx, input)
	return args.Get(0).(orchestrator.PipelineRun), args.Error(1)
}

func (m *mockBackend) Get(ctx context.Context, id string) (orchestrator.PipelineRun, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(orchestrator.PipelineRun), args.Error(1)
}

func (m *mockBackend) List(ctx context.Context, status orchestrator.Status) ([]orchestrator.PipelineRun, error) {
	args := m.Called(ctx, status)
	return args.Get(0).([]orchestrator.PipelineRun), args.Error(1)
}

func (m *mockBackend) Context(ctx context.Context, id string) (map[string]contextstore.Decision, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(map[string]contextstore.Decision), args.Error(1)
}

func (m *mockBackend) Rollback(ctx context.Context, id, checkpoint string) (orchestrator.PipelineRun, error) {
	args := m.Called(ctx, id, checkpoint)
	return args.Get(0).(orchestrator.PipelineRun), args.Error(1)
}

func (m *mockBackend) Resolve(ctx context.Context, id string, d approval.Decision, note string) (orchestrator.PipelineRun, error) {
	args := m.Called(ctx, id, d, note)
	return args.Get(0).(orchestrator.PipelineRun), args.Error(1)
}

func (m *mockBackend) Cancel(ctx context.Context, id string) (orchestrator.PipelineRun, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(orchestrator.PipelineRun), args.Error(1)
}

func (m *mockBackend) Approvals(ctx context.Context) ([]approval.Request, error) {
	args := m.Called(ctx)
	return args.Get(0).([]approval.Request), args.Error(1)
}

func (m *mockBackend) Audit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]audit.Event), args.Error(1)
}

// connect serves backend over in-memory transports and returns a client
// session.
func connect(t *testing.T, backend Backend) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	s, err := NewServer(&Config{Version: "test"}, backend)
	require.NoError(t, err)

	ct, st := mcp.NewInMemoryTransports()
	ss, err := s.MCP().Connect(ctx, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	c := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := c.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, error) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	if res.IsError {
		return "", errors.New(text.Text)
	}
	return text.Text, nil
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, &mockBackend{})
	assert.Error(t, err)
	_, err = NewServer(&Config{}, nil)
	assert.Error(t, err)
}

func TestServer_ListTools(t *testing.T) {
	cs := connect(t, &mockBackend{})

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"approval_list", "approval_resolve", "audit_query",
		"run_cancel", "run_context", "run_list", "run_rollback", "run_status", "run_submit",
	}, names)
}

func TestTool_RunSubmit(t *testing.T) {
	b := &mockBackend{}
	b.On("Submit", mock.Anything, "build a todo app").
		Return(orchestrator.PipelineRun{ID: "r1", Status: orchestrator.StatusPending}, nil)
	cs := connect(t, b)

	text, err := call(t, cs, "run_submit", map[string]any{"input": "build a todo app"})
	require.NoError(t, err)

	var run orchestrator.PipelineRun
	require.NoError(t, json.Unmarshal([]byte(text), &run))
	assert.Equal(t, "r1", run.ID)
	b.AssertExpectations(t)
}

func TestTool_RunSubmit_RequiresInput(t *testing.T) {
	b := &mockBackend{}
	cs := connect(t, b)

	_, err := call(t, cs, "run_submit", map[string]any{"input": ""})
	assert.ErrorContains(t, err, "input is required")
	b.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestTool_ApprovalResolve(t *testing.T) {
	b := &mockBackend{}
	b.On("Resolve", mock.Anything, "r1", approval.DecisionApprove, "ship it").
		Return(orchestrator.PipelineRun{ID: "r1", Status: orchestrator.StatusRunning}, nil)
	cs := connect(t, b)

	text, err := call(t, cs, "approval_resolve", map[string]any{"run_id": "r1", "decision": "approve", "note": "ship it"})
	require.NoError(t, err)
	assert.Contains(t, text, `"status": "running"`)

	_, err = call(t, cs, "approval_resolve", map[string]any{"run_id": "r1", "decision": "maybe"})
	assert.ErrorContains(t, err, "approve or deny")
	b.AssertNumberOfCalls(t, "Resolve", 1)
}

func TestTool_RunRollback_BackendError(t *testing.T) {
	b := &mockBackend{}
	b.On("Rollback", mock.Anything, "r1", "after:architect").
		Return(orchestrator.PipelineRun{}, errors.New("server returned status 409: invalid run transition"))
	cs := connect(t, b)

	_, err := call(t, cs, "run_rollback", map[string]any{"run_id": "r1", "checkpoint": "after:architect"})
	assert.ErrorContains(t, err, "invalid run transition")
}

func TestTool_RunListAndContext(t *testing.T) {
	b := &mockBackend{}
	b.On("List", mock.Anything, orchestrator.StatusPaused).
		Return([]orchestrator.PipelineRun{{ID: "r1", Status: orchestrator.StatusPaused}}, nil)
	b.On("Context", mock.Anything, "r1").
		Return(map[string]contextstore.Decision{"initial_spec": {Key: "r1/initial_spec", Value: "spec", Version: 2}}, nil)
	cs := connect(t, b)

	text, err := call(t, cs, "run_list", map[string]any{"status": "paused"})
	require.NoError(t, err)
	assert.Contains(t, text, `"id": "r1"`)

	text, err = call(t, cs, "run_context", map[string]any{"run_id": "r1"})
	require.NoError(t, err)
	assert.Contains(t, text, "initial_spec")
}

func TestTool_AuditQuery_DefaultLimit(t *testing.T) {
	b := &mockBackend{}
	b.On("Audit", mock.Anything, audit.Filter{RunID: "r1", Limit: defaultAuditLimit}).
		Return([]audit.Event{{Seq: 1, Kind: audit.KindRunTransition}}, nil)
	cs := connect(t, b)

	text, err := call(t, cs, "audit_query", map[string]any{"run_id": "r1"})
	require.NoError(t, err)
	assert.Contains(t, text, "run.transition")
	b.AssertExpectations(t)
}

func TestTool_ApprovalListAndCancel(t *testing.T) {
	b := &mockBackend{}
	b.On("Approvals", mock.Anything).
		Return([]approval.Request{{ID: "a1", RunID: "r1", Reason: "retry budget exhausted"}}, nil)
	b.On("Cancel", mock.Anything, "r1").
		Return(orchestrator.PipelineRun{ID: "r1", Status: orchestrator.StatusFailed, Reason: orchestrator.ReasonCancelled}, nil)
	b.On("Get", mock.Anything, "r1").
		Return(orchestrator.PipelineRun{ID: "r1", Status: orchestrator.StatusFailed}, nil)
	cs := connect(t, b)

	text, err := call(t, cs, "approval_list", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, text, "retry budget exhausted")

	text, err = call(t, cs, "run_cancel", map[string]any{"run_id": "r1"})
	require.NoError(t, err)
	assert.Contains(t, text, "cancelled")

	text, err = call(t, cs, "run_status", map[string]any{"run_id": "r1"})
	require.NoError(t, err)
	assert.Contains(t, text, `"status": "failed"`)
}
