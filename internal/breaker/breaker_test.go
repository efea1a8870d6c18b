package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *audit.Log, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	log := audit.New(nil)
	return NewRegistry(DefaultConfig(), log, nil, WithClock(clock.Now)), log, clock
}

var errBoom = errors.New("boom")

func trip(ctx context.Context, r *Registry, stage string, n int) {
	for range n {
		r.RecordFailure(ctx, stage, errBoom)
	}
}

func TestRegistry_OpensAtThreshold(t *testing.T) {
	r, log, _ := newTestRegistry(t)
	ctx := context.Background()

	trip(ctx, r, "architect", 2)
	assert.Equal(t, StateClosed, r.State("architect").State)
	require.NoError(t, r.Allow(ctx, "architect"))

	trip(ctx, r, "architect", 1)
	assert.Equal(t, StateOpen, r.State("architect").State)

	err := r.Allow(ctx, "architect")
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "architect", open.Stage)
	assert.Equal(t, 300*time.Second, open.RetryAfter)

	events := log.Events(audit.Filter{Kind: audit.KindBreakerTransition})
	require.Len(t, events, 1)
	assert.Equal(t, "closed", events[0].Before)
	assert.Equal(t, "open", events[0].After)
	assert.Equal(t, "architect", events[0].Stage)
}

func TestRegistry_StagesAreIndependent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	trip(ctx, r, "architect", 3)
	assert.Error(t, r.Allow(ctx, "architect"))
	assert.NoError(t, r.Allow(ctx, "developer"))
}

func TestRegistry_SuccessResetsCounter(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	trip(ctx, r, "developer", 2)
	r.RecordSuccess(ctx, "developer")
	trip(ctx, r, "developer", 2)
	assert.Equal(t, StateClosed, r.State("developer").State)
	assert.Equal(t, 2, r.State("developer").ConsecutiveFailures)
}

func TestRegistry_HalfOpenTrialSucceeds(t *testing.T) {
	r, log, clock := newTestRegistry(t)
	ctx := logging.WithRunID(context.Background(), "run-1")

	trip(ctx, r, "architect", 3)
	clock.Advance(299 * time.Second)
	require.Error(t, r.Allow(ctx, "architect"))

	clock.Advance(time.Second)
	require.NoError(t, r.Allow(ctx, "architect"))
	assert.Equal(t, StateHalfOpen, r.State("architect").State)

	// Only one trial at a time.
	var open *CircuitOpenError
	require.ErrorAs(t, r.Allow(ctx, "architect"), &open)

	r.RecordSuccess(ctx, "architect")
	s := r.State("architect")
	assert.Equal(t, StateClosed, s.State)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Equal(t, 1.0, s.BackoffMultiplier)

	events := log.Events(audit.Filter{Kind: audit.KindBreakerTransition})
	require.Len(t, events, 3)
	assert.Equal(t, []string{"open", "half-open", "closed"},
		[]string{events[0].After, events[1].After, events[2].After})
	assert.Equal(t, "run-1", events[2].RunID)
}

func TestRegistry_FailedTrialExtendsTimeout(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	trip(ctx, r, "architect", 3)
	clock.Advance(300 * time.Second)
	require.NoError(t, r.Allow(ctx, "architect"))

	r.RecordFailure(ctx, "architect", errBoom)
	s := r.State("architect")
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, 600*time.Second, s.ResetTimeout)

	clock.Advance(300 * time.Second)
	assert.Error(t, r.Allow(ctx, "architect"))
	clock.Advance(300 * time.Second)
	assert.NoError(t, r.Allow(ctx, "architect"))
}

func TestRegistry_ResetTimeoutCapped(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	trip(ctx, r, "architect", 3)
	for range 6 {
		clock.Advance(time.Hour)
		require.NoError(t, r.Allow(ctx, "architect"))
		r.RecordFailure(ctx, "architect", errBoom)
	}
	assert.Equal(t, time.Hour, r.State("architect").ResetTimeout)
}

func TestRegistry_TrialTimeoutFreesSlot(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	trip(ctx, r, "architect", 3)
	clock.Advance(300 * time.Second)
	require.NoError(t, r.Allow(ctx, "architect"))
	require.Error(t, r.Allow(ctx, "architect"))

	clock.Advance(61 * time.Second)
	assert.NoError(t, r.Allow(ctx, "architect"))
}

func TestRegistry_Release(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	trip(ctx, r, "architect", 3)
	clock.Advance(300 * time.Second)
	require.NoError(t, r.Allow(ctx, "architect"))

	r.Release("architect")
	assert.NoError(t, r.Allow(ctx, "architect"))
	assert.Equal(t, StateHalfOpen, r.State("architect").State)
}

func TestRegistry_Trial(t *testing.T) {
	r, log, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Trial(ctx, "architect", "approved by alice")
	assert.Equal(t, StateClosed, r.State("architect").State, "closed breakers are left alone")

	trip(ctx, r, "architect", 3)
	require.Error(t, r.Allow(ctx, "architect"))

	r.Trial(ctx, "architect", "approved by alice")
	assert.Equal(t, StateHalfOpen, r.State("architect").State)
	require.NoError(t, r.Allow(ctx, "architect"), "no need to wait out the reset timeout")
	require.Error(t, r.Allow(ctx, "architect"), "still a single trial")

	r.Trial(ctx, "architect", "again")
	require.Error(t, r.Allow(ctx, "architect"), "half-open breakers are left alone")

	r.RecordFailure(ctx, "architect", errBoom)
	assert.Equal(t, StateOpen, r.State("architect").State)
	assert.Equal(t, 600*time.Second, r.State("architect").ResetTimeout)

	events := log.Events(audit.Filter{Kind: audit.KindBreakerTransition})
	require.Len(t, events, 3)
	assert.Equal(t, "open", events[1].Before)
	assert.Equal(t, "half-open", events[1].After)
	assert.Equal(t, "approved by alice", events[1].Details["reason"])
}

func TestRegistry_StageOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	r := NewRegistry(DefaultConfig(), audit.Discard, nil, WithStageConfig("finalizer", cfg))
	ctx := context.Background()

	r.RecordFailure(ctx, "finalizer", errBoom)
	r.RecordFailure(ctx, "developer", errBoom)
	assert.Equal(t, StateOpen, r.State("finalizer").State)
	assert.Equal(t, StateClosed, r.State("developer").State)
}

func TestRegistry_SnapshotRestore(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	trip(ctx, r, "architect", 3)
	clock.Advance(300 * time.Second)
	require.NoError(t, r.Allow(ctx, "architect"))
	snaps := r.Snapshots()
	require.Contains(t, snaps, "architect")

	restored := NewRegistry(DefaultConfig(), audit.Discard, nil, WithClock(clock.Now))
	restored.Restore(snaps["architect"])

	s := restored.State("architect")
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, 3, s.ConsecutiveFailures)
	// The reset timeout already elapsed, so a fresh trial is admitted.
	assert.NoError(t, restored.Allow(ctx, "architect"))
	assert.Equal(t, StateHalfOpen, restored.State("architect").State)
}
