// Package recovery decides how the orchestrator responds to a failed stage
// attempt.
//
// The router walks a fixed ladder, escalating one rung per exhausted option:
//
//	retry -> fallback -> rollback + retry -> escalate
//
// Retryable failures (transient, timeout, unclassified) are retried on the
// primary handler with an exponential delay until the stage's retry budget
// is spent or its breaker opens. Permanent failures skip the retry rungs
// since they would re-invoke the same handler. Validation failures get a
// correction loop instead: retry with an adjusted hint, then a simplified
// one, then escalate.
//
// All per-stage recovery state lives in a Ladder owned by the run, so a
// restarted process continues the ladder where it stopped.
package recovery

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/breaker"
	"github.com/fyrsmithlabs/pipelined/internal/capability"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
	"go.uber.org/zap"
)

// Action is a recovery rung.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionFallback Action = "fallback"
	ActionRollback Action = "rollback"
	ActionEscalate Action = "escalate"
)

// Handler identifies which runner produced a failure.
type Handler string

const (
	HandlerPrimary  Handler = "primary"
	HandlerFallback Handler = "fallback"
)

// DefaultStageRetries are the per-role retry budgets.
var DefaultStageRetries = map[string]int{
	string(stages.RoleClarifier):      2,
	string(stages.RoleProductManager): 3,
	string(stages.RoleArchitect):      2,
	string(stages.RoleTechLead):       2,
	string(stages.RoleScaffolder):     3,
	string(stages.RoleDeveloper):      2,
	string(stages.RoleCodeReviewer):   1,
	string(stages.RoleFinalizer):      2,
}

// Config bounds the ladder.
type Config struct {
	// MaxAutoRetries is the retry budget for stages without an entry in
	// StageRetries.
	MaxAutoRetries int
	StageRetries   map[string]int
	// MaxAttempts caps recovery decisions per run. Reaching it escalates.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Jitter is the backoff randomization factor in [0,1].
	Jitter float64
}

// DefaultConfig returns the stock ladder bounds.
func DefaultConfig() Config {
	return Config{
		MaxAutoRetries:  3,
		StageRetries:    DefaultStageRetries,
		MaxAttempts:     10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Jitter:          0.5,
	}
}

// Budget returns the retry budget for stage.
func (c Config) Budget(stage string) int {
	if n, ok := c.StageRetries[stage]; ok {
		return n
	}
	return c.MaxAutoRetries
}

// Ladder is the recovery state of one stage within a run. A fresh ladder
// is used whenever a stage starts or is resumed after approval.
type Ladder struct {
	Stage         string `json:"stage"`
	Retries       int    `json:"retries"`
	Corrections   int    `json:"corrections"`
	FallbackTried bool   `json:"fallback_tried"`
	RolledBack    bool   `json:"rolled_back"`
}

// NewLadder returns a fresh ladder for stage.
func NewLadder(stage string) *Ladder { return &Ladder{Stage: stage} }

// Failure describes a failed attempt.
type Failure struct {
	RunID   string
	Stage   string
	Err     error
	Handler Handler
	Breaker breaker.State
	// HasFallback reports whether a fallback runner is registered.
	HasFallback bool
	// RunAttempts is the number of recovery decisions already taken for
	// the run.
	RunAttempts int
}

// Decision is the router's answer.
type Decision struct {
	Action  Action        `json:"action"`
	Handler Handler       `json:"handler"`
	Hint    stages.Hint   `json:"hint,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Reason  string        `json:"reason"`
}

// Router maps failures to decisions.
type Router struct {
	cfg    Config
	audit  audit.Recorder
	logger *zap.Logger
}

// NewRouter creates a router.
func NewRouter(cfg Config, rec audit.Recorder, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, audit: rec, logger: logger}
}

// Config returns the router's bounds.
func (r *Router) Config() Config { return r.cfg }

// Decide picks the next rung for f and advances ladder accordingly.
func (r *Router) Decide(ctx context.Context, f Failure, ladder *Ladder) Decision {
	d := r.decide(f, ladder)

	decisionsTotal.WithLabelValues(f.Stage, string(d.Action)).Inc()
	details := map[string]string{
		"reason":   d.Reason,
		"handler":  string(f.Handler),
		"retries":  strconv.Itoa(ladder.Retries),
		"attempts": strconv.Itoa(f.RunAttempts + 1),
	}
	if f.Err != nil {
		details["error"] = f.Err.Error()
	}
	if d.Hint != stages.HintNone {
		details["hint"] = string(d.Hint)
	}
	if d.Delay > 0 {
		details["delay"] = d.Delay.String()
	}
	if _, err := r.audit.Record(ctx, audit.Event{
		Kind:    audit.KindRecoveryDecision,
		Actor:   "router",
		RunID:   f.RunID,
		Stage:   f.Stage,
		Subject: f.Stage,
		After:   string(d.Action),
		Details: details,
	}); err != nil {
		r.logger.Error("recovery audit record failed", zap.String("run.id", f.RunID), zap.Error(err))
	}

	r.logger.Warn("recovery decision",
		zap.String("run.id", f.RunID),
		zap.String("stage.id", f.Stage),
		zap.String("action", string(d.Action)),
		zap.String("reason", d.Reason),
		zap.Duration("delay", d.Delay),
		zap.Error(f.Err))
	return d
}

func (r *Router) decide(f Failure, l *Ladder) Decision {
	if r.cfg.MaxAttempts > 0 && f.RunAttempts >= r.cfg.MaxAttempts {
		return Decision{Action: ActionEscalate, Reason: "recovery attempt ceiling reached"}
	}

	var open *breaker.CircuitOpenError
	var ve *stages.ValidationError

	switch {
	case errors.As(f.Err, &ve) && f.Handler == HandlerPrimary:
		l.Corrections++
		switch l.Corrections {
		case 1:
			return Decision{Action: ActionRetry, Handler: HandlerPrimary, Hint: stages.HintAdjusted, Reason: "output failed validation"}
		case 2:
			return Decision{Action: ActionRetry, Handler: HandlerPrimary, Hint: stages.HintSimplified, Reason: "output failed validation again"}
		}
		return Decision{Action: ActionEscalate, Reason: "output still invalid after corrections"}

	case isPermanent(f.Err):
		if f.Handler == HandlerPrimary && f.HasFallback && !l.FallbackTried {
			l.FallbackTried = true
			return Decision{Action: ActionFallback, Handler: HandlerFallback, Reason: "permanent failure"}
		}
		return Decision{Action: ActionEscalate, Reason: "permanent failure"}

	case f.Handler == HandlerFallback:
		return r.rollbackOrEscalate(l, "fallback failed")

	case l.RolledBack:
		return Decision{Action: ActionEscalate, Reason: "retry after rollback failed"}

	case errors.As(f.Err, &open) || f.Breaker == breaker.StateOpen:
		return r.fallbackOrRollback(l, f.HasFallback, "circuit open")

	case l.Retries < r.cfg.Budget(f.Stage):
		l.Retries++
		return Decision{
			Action:  ActionRetry,
			Handler: HandlerPrimary,
			Delay:   r.delay(l.Retries),
			Reason:  "retryable failure",
		}
	}
	return r.fallbackOrRollback(l, f.HasFallback, "retry budget exhausted")
}

func (r *Router) fallbackOrRollback(l *Ladder, hasFallback bool, reason string) Decision {
	if hasFallback && !l.FallbackTried {
		l.FallbackTried = true
		return Decision{Action: ActionFallback, Handler: HandlerFallback, Reason: reason}
	}
	return r.rollbackOrEscalate(l, reason)
}

func (r *Router) rollbackOrEscalate(l *Ladder, reason string) Decision {
	if !l.RolledBack {
		l.RolledBack = true
		return Decision{Action: ActionRollback, Handler: HandlerPrimary, Reason: reason}
	}
	return Decision{Action: ActionEscalate, Reason: reason}
}

// delay returns the backoff before the n-th retry.
func (r *Router) delay(n int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval
	bo.RandomizationFactor = r.cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	var d time.Duration
	for range n {
		d = bo.NextBackOff()
	}
	return d
}

func isPermanent(err error) bool {
	var te *capability.TokenError
	return stages.IsPermanent(err) || errors.As(err, &te)
}
