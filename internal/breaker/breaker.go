// Package breaker tracks per-stage failure state with circuit breakers.
//
// Each stage has its own breaker:
//
//	closed --(failures >= threshold)--> open
//	open --(reset timeout elapsed, next Allow)--> half-open
//	open --(Trial)--> half-open
//	half-open --(trial succeeds)--> closed
//	half-open --(trial fails)--> open, reset timeout * backoff factor
//
// While open, Allow returns *CircuitOpenError and the stage is not invoked.
// Half-open admits exactly one trial call. Every transition is recorded in
// the audit log.
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"go.uber.org/zap"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MaxResetTimeout  time.Duration
	BackoffFactor    float64
	// TrialTimeout frees the half-open slot if a trial never reports back.
	TrialTimeout time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     300 * time.Second,
		MaxResetTimeout:  time.Hour,
		BackoffFactor:    2.0,
		TrialTimeout:     60 * time.Second,
	}
}

// CircuitOpenError is returned by Allow while a stage's breaker rejects calls.
type CircuitOpenError struct {
	Stage      string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for stage %s, retry after %s", e.Stage, e.RetryAfter.Round(time.Second))
}

// Snapshot is the persisted state of one breaker.
type Snapshot struct {
	Stage               string        `json:"stage"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
	BackoffMultiplier   float64       `json:"backoff_multiplier"`
}

type breaker struct {
	cfg        Config
	state      State
	failures   int
	openedAt   time.Time
	multiplier float64
	trialSince time.Time // zero when no half-open trial is in flight
}

func (b *breaker) resetTimeout() time.Duration {
	d := time.Duration(float64(b.cfg.ResetTimeout) * b.multiplier)
	if b.cfg.MaxResetTimeout > 0 && d > b.cfg.MaxResetTimeout {
		return b.cfg.MaxResetTimeout
	}
	return d
}

// Registry holds one breaker per stage, created on first use.
type Registry struct {
	defaults Config
	audit    audit.Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	overrides map[string]Config
	breakers  map[string]*breaker
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStageConfig sets thresholds for one stage.
func WithStageConfig(stage string, cfg Config) Option {
	return func(r *Registry) { r.overrides[stage] = cfg }
}

// NewRegistry creates a registry applying cfg to every stage without an
// override.
func NewRegistry(cfg Config, rec audit.Recorder, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		defaults:  cfg,
		audit:     rec,
		logger:    logger,
		now:       time.Now,
		overrides: make(map[string]Config),
		breakers:  make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// get returns the stage breaker. Callers hold r.mu.
func (r *Registry) get(stage string) *breaker {
	b, ok := r.breakers[stage]
	if !ok {
		cfg, ok := r.overrides[stage]
		if !ok {
			cfg = r.defaults
		}
		b = &breaker{cfg: cfg, state: StateClosed, multiplier: 1}
		r.breakers[stage] = b
	}
	return b
}

// Allow reports whether a call to stage may proceed. An open breaker whose
// reset timeout has elapsed moves to half-open and admits this caller as
// the single trial.
func (r *Registry) Allow(ctx context.Context, stage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(stage)
	now := r.now()

	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if timeout := b.resetTimeout(); elapsed < timeout {
			return &CircuitOpenError{Stage: stage, RetryAfter: timeout - elapsed}
		}
		r.transition(ctx, stage, b, StateHalfOpen, "reset timeout elapsed")
		b.trialSince = now
		return nil

	case StateHalfOpen:
		if !b.trialSince.IsZero() && (b.cfg.TrialTimeout <= 0 || now.Sub(b.trialSince) < b.cfg.TrialTimeout) {
			return &CircuitOpenError{Stage: stage, RetryAfter: b.cfg.TrialTimeout - now.Sub(b.trialSince)}
		}
		b.trialSince = now
		return nil
	}
	return nil
}

// RecordSuccess closes a half-open breaker and clears the failure count.
func (r *Registry) RecordSuccess(ctx context.Context, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(stage)
	if b.state == StateHalfOpen {
		r.transition(ctx, stage, b, StateClosed, "trial succeeded")
	}
	b.failures = 0
	b.multiplier = 1
	b.trialSince = time.Time{}
}

// RecordFailure counts a failed call. A closed breaker opens once the
// threshold is reached; a failed half-open trial reopens it with a longer
// reset timeout.
func (r *Registry) RecordFailure(ctx context.Context, stage string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(stage)
	reason := "failure threshold reached"
	if cause != nil {
		reason = cause.Error()
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = r.now()
			r.transition(ctx, stage, b, StateOpen, reason)
		}
	case StateHalfOpen:
		b.failures++
		b.multiplier *= b.cfg.BackoffFactor
		if b.cfg.MaxResetTimeout > 0 && b.cfg.ResetTimeout > 0 {
			b.multiplier = min(b.multiplier, float64(b.cfg.MaxResetTimeout)/float64(b.cfg.ResetTimeout))
		}
		b.openedAt = r.now()
		b.trialSince = time.Time{}
		r.transition(ctx, stage, b, StateOpen, reason)
	}
}

// Trial arms an open breaker so the next Allow on stage is admitted as the
// half-open trial without waiting out the reset timeout. The recovery
// ladder uses it for its retry after rollback and operators for an
// approved resume. Closed and half-open breakers are left alone.
func (r *Registry) Trial(ctx context.Context, stage, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(stage)
	if b.state != StateOpen {
		return
	}
	r.transition(ctx, stage, b, StateHalfOpen, reason)
	b.trialSince = time.Time{}
}

// Release frees a half-open trial slot without recording an outcome, for
// calls abandoned by cancellation.
func (r *Registry) Release(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(stage).trialSince = time.Time{}
}

// State returns a snapshot of stage's breaker.
func (r *Registry) State(stage string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(stage, r.get(stage))
}

// Snapshots returns every known breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for stage, b := range r.breakers {
		out[stage] = snapshot(stage, b)
	}
	return out
}

func snapshot(stage string, b *breaker) Snapshot {
	return Snapshot{
		Stage:               stage,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		ResetTimeout:        b.resetTimeout(),
		BackoffMultiplier:   b.multiplier,
	}
}

// Restore loads persisted breaker state. A breaker persisted mid-trial is
// restored as open so the trial is repeated.
func (r *Registry) Restore(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(s.Stage)
	b.state = s.State
	if b.state == StateHalfOpen {
		b.state = StateOpen
	}
	b.failures = s.ConsecutiveFailures
	b.openedAt = s.OpenedAt
	b.multiplier = max(s.BackoffMultiplier, 1)
	b.trialSince = time.Time{}
	stateGauge.WithLabelValues(s.Stage).Set(stateValue(b.state))
}

// transition moves b to next and records it. Callers hold r.mu so audit
// order matches transition order.
func (r *Registry) transition(ctx context.Context, stage string, b *breaker, next State, reason string) {
	prev := b.state
	b.state = next

	stateGauge.WithLabelValues(stage).Set(stateValue(next))
	transitionsTotal.WithLabelValues(stage, string(prev), string(next)).Inc()

	_, err := r.audit.Record(ctx, audit.Event{
		Kind:    audit.KindBreakerTransition,
		Actor:   "breaker",
		RunID:   logging.RunIDFromContext(ctx),
		Stage:   stage,
		Subject: stage,
		Before:  string(prev),
		After:   string(next),
		Details: map[string]string{
			"reason":        reason,
			"failures":      strconv.Itoa(b.failures),
			"reset_timeout": b.resetTimeout().String(),
		},
	})
	if err != nil {
		r.logger.Error("breaker audit record failed", zap.String("stage", stage), zap.Error(err))
	}
	r.logger.Info("circuit breaker transition",
		zap.String("stage", stage),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Int("failures", b.failures),
		zap.Duration("reset_timeout", b.resetTimeout()))
}
