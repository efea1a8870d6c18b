package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	reqs []Request
}

func (c *collector) handle(_ context.Context, r Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, r)
}

func (c *collector) all() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.reqs...)
}

func TestQueue_EnqueueResolve(t *testing.T) {
	log := audit.New(nil)
	q := NewQueue(time.Hour, DecisionDeny, log, nil)
	defer q.Close()
	var got collector
	q.OnResolve(got.handle)
	ctx := context.Background()

	req, err := q.Enqueue(ctx, "run-1", "architect", "retry after rollback failed")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)

	_, err = q.Enqueue(ctx, "run-1", "architect", "again")
	assert.ErrorIs(t, err, ErrAlreadyPending)

	pend, ok := q.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, req.ID, pend.ID)
	assert.Len(t, q.Pending(), 1)

	resolved, err := q.Resolve(ctx, req.ID, DecisionApprove, "alice", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)

	_, err = q.Resolve(ctx, req.ID, DecisionApprove, "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, q.Pending())

	require.Len(t, got.all(), 1)
	assert.Equal(t, "run-1", got.all()[0].RunID)

	assert.Len(t, log.Events(audit.Filter{Kind: audit.KindApprovalRequested}), 1)
	resolvedEvents := log.Events(audit.Filter{Kind: audit.KindApprovalResolved})
	require.Len(t, resolvedEvents, 1)
	assert.Equal(t, "approved", resolvedEvents[0].After)
}

func TestQueue_ResolveRun(t *testing.T) {
	q := NewQueue(time.Hour, DecisionDeny, audit.Discard, nil)
	defer q.Close()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run-1", "architect", "escalated")
	require.NoError(t, err)

	req, err := q.ResolveRun(ctx, "run-1", DecisionDeny, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, req.Status)

	_, err = q.ResolveRun(ctx, "run-1", DecisionDeny, "bob", "")
	assert.ErrorIs(t, err, ErrNotFound)

	// The run may be escalated again once resolved.
	_, err = q.Enqueue(ctx, "run-1", "developer", "escalated")
	assert.NoError(t, err)
}

func TestQueue_InvalidDecision(t *testing.T) {
	q := NewQueue(time.Hour, DecisionDeny, audit.Discard, nil)
	defer q.Close()
	req, err := q.Enqueue(context.Background(), "run-1", "architect", "escalated")
	require.NoError(t, err)

	_, err = q.Resolve(context.Background(), req.ID, "maybe", "alice", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
	assert.Len(t, q.Pending(), 1)
}

func TestQueue_TimeoutAppliesDefault(t *testing.T) {
	q := NewQueue(20*time.Millisecond, DecisionDeny, audit.Discard, nil)
	defer q.Close()
	var got collector
	q.OnResolve(got.handle)

	_, err := q.Enqueue(context.Background(), "run-1", "architect", "escalated")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, 5*time.Millisecond)
	r := got.all()[0]
	assert.Equal(t, DecisionDeny, r.Decision)
	assert.Equal(t, TimeoutActor, r.ResolvedBy)
	assert.Empty(t, q.Pending())
}

func TestQueue_Cancel(t *testing.T) {
	log := audit.New(nil)
	q := NewQueue(time.Hour, DecisionDeny, log, nil)
	defer q.Close()
	var got collector
	q.OnResolve(got.handle)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run-1", "architect", "escalated")
	require.NoError(t, err)

	q.Cancel(ctx, "run-1", "alice")
	q.Cancel(ctx, "run-1", "alice")
	assert.Empty(t, q.Pending())
	assert.Empty(t, got.all())

	events := log.Events(audit.Filter{Kind: audit.KindApprovalResolved})
	require.Len(t, events, 1)
	assert.Equal(t, "cancelled", events[0].After)
}

func TestQueue_Restore(t *testing.T) {
	q := NewQueue(time.Hour, DecisionApprove, audit.Discard, nil)
	defer q.Close()
	var got collector
	q.OnResolve(got.handle)
	ctx := context.Background()
	now := time.Now()

	live := Request{ID: "a1", RunID: "run-1", Stage: "architect", Status: StatusPending, RequestedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, q.Restore(ctx, live))
	stale := Request{ID: "a2", RunID: "run-2", Stage: "developer", Status: StatusPending, RequestedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, q.Restore(ctx, stale))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "run-2", got.all()[0].RunID)
	assert.Equal(t, DecisionApprove, got.all()[0].Decision)

	pend := q.Pending()
	require.Len(t, pend, 1)
	assert.Equal(t, "a1", pend[0].ID)

	assert.Error(t, q.Restore(ctx, Request{ID: "a3", RunID: "run-3", Status: StatusDenied}))
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("approve")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, d)
	_, err = ParseDecision("APPROVE")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}
