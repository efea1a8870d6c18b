package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/breaker"
	"github.com/fyrsmithlabs/pipelined/internal/capability"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	api "github.com/fyrsmithlabs/pipelined/internal/http"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/recovery"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
)

// newServer serves a template-only engine.
func newServer(t *testing.T) (*Client, *orchestrator.Engine) {
	t.Helper()
	log := audit.New(nil)
	queue := approval.NewQueue(time.Hour, approval.DecisionDeny, log, nil)
	t.Cleanup(queue.Close)

	e, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.DefaultGraph(), orchestrator.Deps{
		Store:     contextstore.New(log, nil),
		Breakers:  breaker.NewRegistry(breaker.DefaultConfig(), log, nil),
		Router:    recovery.NewRouter(recovery.DefaultConfig(), log, nil),
		Issuer:    capability.NewIssuer(capability.DefaultPolicy(), capability.DefaultTTLs(), log, nil),
		Approvals: queue,
		Audit:     log,
	})
	require.NoError(t, err)
	templates := stages.NewTemplateRunner()
	for _, def := range e.Graph().Stages() {
		require.NoError(t, e.Register(def.Name, templates, nil))
	}
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	srv, err := api.NewServer(api.Deps{Runs: e, Approvals: queue, Audit: log}, zap.NewNop(), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)

	return New(ts.URL, WithActor("alice")), e
}

func waitTerminal(t *testing.T, c *Client, id string) orchestrator.PipelineRun {
	t.Helper()
	var run orchestrator.PipelineRun
	require.Eventually(t, func() bool {
		var err error
		run, err = c.Get(context.Background(), id)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestClient_SubmitAndInspect(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	run, err := c.Submit(ctx, "build a todo app")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	done := waitTerminal(t, c, run.ID)
	assert.Equal(t, orchestrator.StatusSucceeded, done.Status)

	runs, err := c.List(ctx, orchestrator.StatusSucceeded)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	runs, err = c.List(ctx, orchestrator.StatusPaused)
	require.NoError(t, err)
	assert.Empty(t, runs)

	decisions, err := c.Context(ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, decisions, orchestrator.ProgressKey)

	events, err := c.Audit(ctx, audit.Filter{RunID: run.ID, Kind: audit.KindRunTransition, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestClient_Errors(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = c.Submit(ctx, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "input")

	_, err = c.Resolve(ctx, "missing", approval.DecisionApprove, "")
	assert.True(t, IsNotFound(err))
}

func TestClient_Health(t *testing.T) {
	c, _ := newServer(t)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
}

func TestClient_DegradedHealthIsNotAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded","services":{"nats":"error: closed"}}`))
	}))
	defer ts.Close()

	h, err := New(ts.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "error: closed", h.Services["nats"])
}

func TestClient_SendsActor(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(api.ActorHeader)
		_, _ = w.Write([]byte(`{"run":{"id":"r1","status":"failed"}}`))
	}))
	defer ts.Close()

	run, err := New(ts.URL+"/", WithActor("bob")).Cancel(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "bob", got)
	assert.Equal(t, orchestrator.StatusFailed, run.Status)
}

func TestNew_DefaultURL(t *testing.T) {
	assert.Equal(t, DefaultURL, New("").BaseURL())
}
