package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/breaker"
	"github.com/fyrsmithlabs/pipelined/internal/capability"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Jitter = 0
	return cfg
}

var errTransient = &stages.TransientError{Stage: "architect", Reason: stages.ReasonUnavailable}

func TestRouter_FullLadder(t *testing.T) {
	log := audit.New(nil)
	r := NewRouter(testConfig(), log, nil)
	ctx := context.Background()
	l := NewLadder("architect")

	f := Failure{RunID: "run-1", Stage: "architect", Err: errTransient, Handler: HandlerPrimary, Breaker: breaker.StateClosed, HasFallback: true}

	// architect's budget is 2 retries.
	d := r.Decide(ctx, f, l)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, time.Second, d.Delay)
	d = r.Decide(ctx, f, l)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 1500*time.Millisecond, d.Delay)

	d = r.Decide(ctx, f, l)
	assert.Equal(t, ActionFallback, d.Action)
	assert.Equal(t, HandlerFallback, d.Handler)

	f.Handler = HandlerFallback
	d = r.Decide(ctx, f, l)
	assert.Equal(t, ActionRollback, d.Action)
	assert.Equal(t, HandlerPrimary, d.Handler)

	f.Handler = HandlerPrimary
	d = r.Decide(ctx, f, l)
	assert.Equal(t, ActionEscalate, d.Action)

	events := log.Events(audit.Filter{Kind: audit.KindRecoveryDecision})
	require.Len(t, events, 5)
	var actions []string
	for _, e := range events {
		actions = append(actions, e.After)
	}
	assert.Equal(t, []string{"retry", "retry", "fallback", "rollback", "escalate"}, actions)
}

func TestRouter_NoFallbackGoesToRollback(t *testing.T) {
	r := NewRouter(testConfig(), audit.Discard, nil)
	ctx := context.Background()
	l := NewLadder("code_reviewer")

	f := Failure{Stage: "code_reviewer", Err: errors.New("connection reset"), Handler: HandlerPrimary}
	assert.Equal(t, ActionRetry, r.Decide(ctx, f, l).Action)
	assert.Equal(t, ActionRollback, r.Decide(ctx, f, l).Action)
	assert.Equal(t, ActionEscalate, r.Decide(ctx, f, l).Action)
}

func TestRouter_DefaultBudget(t *testing.T) {
	r := NewRouter(testConfig(), audit.Discard, nil)
	l := NewLadder("custom")
	f := Failure{Stage: "custom", Err: errTransient, Handler: HandlerPrimary}

	for range 3 {
		assert.Equal(t, ActionRetry, r.Decide(context.Background(), f, l).Action)
	}
	assert.Equal(t, ActionRollback, r.Decide(context.Background(), f, l).Action)
}

func TestRouter_CircuitOpenSkipsRetry(t *testing.T) {
	r := NewRouter(testConfig(), audit.Discard, nil)
	l := NewLadder("architect")

	f := Failure{
		Stage:       "architect",
		Err:         &breaker.CircuitOpenError{Stage: "architect", RetryAfter: time.Minute},
		Handler:     HandlerPrimary,
		Breaker:     breaker.StateOpen,
		HasFallback: true,
	}
	assert.Equal(t, ActionFallback, r.Decide(context.Background(), f, l).Action)
	assert.Zero(t, l.Retries)
}

func TestRouter_PermanentSkipsRetryAndRollback(t *testing.T) {
	r := NewRouter(testConfig(), audit.Discard, nil)
	ctx := context.Background()

	perm := &stages.PermanentError{Stage: "architect", Reason: "http_400"}
	l := NewLadder("architect")
	f := Failure{Stage: "architect", Err: perm, Handler: HandlerPrimary, HasFallback: true}
	assert.Equal(t, ActionFallback, r.Decide(ctx, f, l).Action)
	assert.Equal(t, ActionEscalate, r.Decide(ctx, f, l).Action)

	l = NewLadder("architect")
	f.HasFallback = false
	assert.Equal(t, ActionEscalate, r.Decide(ctx, f, l).Action)
}

func TestRouter_TokenErrorIsPermanent(t *testing.T) {
	r := NewRouter(testConfig(), audit.Discard, nil)
	l := NewLadder("finalizer")
	f := Failure{
		Stage:   "finalizer",
		Err:     &capability.TokenError{Reason: capability.ReasonExpired, Scope: "git_push"},
		Handler: HandlerPrimary,
	}
	assert.Equal(t, ActionEscalate, r.Decide(context.Background(), f, l).Action)
}

func TestRouter_ValidationCorrectionLoop(t *testing.T) {
	r := NewRouter(testConfig(), audit.Discard, nil)
	ctx := context.Background()
	l := NewLadder("architect")
	f := Failure{
		Stage:       "architect",
		Err:         &stages.ValidationError{Stage: "architect", Problems: []string{"missing output"}},
		Handler:     HandlerPrimary,
		HasFallback: true,
	}

	d := r.Decide(ctx, f, l)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, stages.HintAdjusted, d.Hint)

	d = r.Decide(ctx, f, l)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, stages.HintSimplified, d.Hint)

	assert.Equal(t, ActionEscalate, r.Decide(ctx, f, l).Action)
}

func TestRouter_AttemptCeiling(t *testing.T) {
	r := NewRouter(testConfig(), audit.Discard, nil)
	l := NewLadder("architect")
	f := Failure{Stage: "architect", Err: errTransient, Handler: HandlerPrimary, RunAttempts: 10}

	d := r.Decide(context.Background(), f, l)
	assert.Equal(t, ActionEscalate, d.Action)
	assert.Contains(t, d.Reason, "ceiling")
	assert.Zero(t, l.Retries)
}

func TestRouter_DelayCapped(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInterval = 2 * time.Second
	r := NewRouter(cfg, audit.Discard, nil)
	assert.Equal(t, 2*time.Second, r.delay(10))
}
