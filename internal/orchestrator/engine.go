package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/breaker"
	"github.com/fyrsmithlabs/pipelined/internal/capability"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/recovery"
	"github.com/fyrsmithlabs/pipelined/internal/runstore"
	"github.com/fyrsmithlabs/pipelined/internal/secrets"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config bounds the engine.
type Config struct {
	// Workers is the number of runs executing concurrently.
	Workers      int
	StageTimeout time.Duration
	// MaxTransitions bounds completed stages per run, loops included.
	MaxTransitions int
	// MinConfidence is the confidence below which a warning is logged.
	MinConfidence float64
}

// DefaultConfig returns the stock engine bounds.
func DefaultConfig() Config {
	return Config{
		Workers:        3,
		StageTimeout:   5 * time.Minute,
		MaxTransitions: 32,
		MinConfidence:  0.3,
	}
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Store     *contextstore.Store
	Breakers  *breaker.Registry
	Router    *recovery.Router
	Issuer    *capability.Issuer
	Approvals *approval.Queue
	Runs      runstore.Store
	Audit     audit.Recorder
	Logger    *logging.Logger
	Tracer    trace.Tracer
	// Scrubber redacts credentials from stage outputs before commit.
	// Nil disables redaction.
	Scrubber *secrets.Scrubber
}

type runners struct {
	primary  stages.StageRunner
	fallback stages.StageRunner
}

// runState guards one run. The driver goroutine and API calls both
// mutate run under mu.
type runState struct {
	mu        sync.Mutex
	run       PipelineRun
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// Engine executes pipeline runs.
type Engine struct {
	cfg   Config
	graph *Graph
	Deps

	runners map[string]runners
	gates   []OutputGate
	sem     *semaphore.Weighted
	now     func() time.Time
	ids     func() string
	sleep   func(ctx context.Context, d time.Duration) error

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*runState
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides run ID generation.
func WithIDs(next func() string) Option {
	return func(e *Engine) { e.ids = next }
}

// New creates an engine for graph. Register a runner for every stage
// before submitting runs.
func New(cfg Config, graph *Graph, deps Deps, opts ...Option) (*Engine, error) {
	if graph == nil {
		return nil, fmt.Errorf("orchestrator: graph is required")
	}
	if deps.Store == nil || deps.Breakers == nil || deps.Router == nil || deps.Issuer == nil || deps.Approvals == nil {
		return nil, fmt.Errorf("orchestrator: store, breakers, router, issuer and approvals are required")
	}
	if deps.Runs == nil {
		deps.Runs = runstore.NewMemory()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultConfig().StageTimeout
	}

	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		graph:   graph,
		Deps:    deps,
		runners: make(map[string]runners),
		gates:   []OutputGate{NewDeclaredOutputsGate(), NewConfidenceGate(cfg.MinConfidence)},
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		now:     time.Now,
		ids:     uuid.NewString,
		sleep:   sleepCtx,
		base:    base,
		stop:    stop,
		runs:    make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Approvals.OnResolve(e.onApproval)
	return e, nil
}

// Register sets the runners of stage. fallback may be nil.
func (e *Engine) Register(stage string, primary, fallback stages.StageRunner) error {
	if _, ok := e.graph.Stage(stage); !ok {
		return fmt.Errorf("register: unknown stage %s", stage)
	}
	if primary == nil {
		return fmt.Errorf("register %s: %w", stage, ErrNoRunner)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[stage] = runners{primary: primary, fallback: fallback}
	return nil
}

// RegisterGate adds an output gate run after every successful attempt.
func (e *Engine) RegisterGate(g OutputGate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gates = append(e.gates, g)
}

// Graph returns the stage graph.
func (e *Engine) Graph() *Graph { return e.graph }

// Submit creates a run for input and schedules it.
func (e *Engine) Submit(ctx context.Context, input string) (PipelineRun, error) {
	e.mu.RLock()
	closed := e.closed
	var missing []string
	for _, d := range e.graph.Stages() {
		if _, ok := e.runners[d.Name]; !ok {
			missing = append(missing, d.Name)
		}
	}
	e.mu.RUnlock()
	if closed {
		return PipelineRun{}, ErrShuttingDown
	}
	if len(missing) > 0 {
		return PipelineRun{}, fmt.Errorf("%w: %v", ErrNoRunner, missing)
	}

	id := e.ids()
	ctx = logging.WithRunID(ctx, id)
	if _, err := e.Store.Write(ctx, contextstore.WriteRequest{
		Key:        contextstore.Key(id, stages.InputKey),
		Value:      input,
		Writer:     WriterSubmitter,
		Confidence: 1,
	}); err != nil {
		return PipelineRun{}, fmt.Errorf("writing run input: %w", err)
	}
	start := e.graph.Start()
	cp := e.Store.Snapshot(ctx, id, "initial")

	now := e.now()
	rs := &runState{run: PipelineRun{
		ID:          id,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
		Stage:       start,
		Handler:     recovery.HandlerPrimary,
		Ladder:      recovery.Ladder{Stage: start},
		Checkpoints: []Checkpoint{{Checkpoint: cp, NextStage: start}},
	}}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	e.setStatus(ctx, rs, StatusPending, "submitted")

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return PipelineRun{}, ErrShuttingDown
	}
	e.runs[id] = rs
	e.mu.Unlock()

	e.persist(ctx, rs)
	e.schedule(rs)
	return rs.run.clone(), nil
}

// Get returns a copy of the run.
func (e *Engine) Get(id string) (PipelineRun, error) {
	rs, err := e.state(id)
	if err != nil {
		return PipelineRun{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.clone(), nil
}

// List returns every known run, oldest first.
func (e *Engine) List() []PipelineRun {
	e.mu.RLock()
	states := make([]*runState, 0, len(e.runs))
	for _, rs := range e.runs {
		states = append(states, rs)
	}
	e.mu.RUnlock()

	out := make([]PipelineRun, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		out = append(out, rs.run.clone())
		rs.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b PipelineRun) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Context returns the latest committed decision of every live key of run.
func (e *Engine) Context(id string) (map[string]contextstore.Decision, error) {
	if _, err := e.state(id); err != nil {
		return nil, err
	}
	out := make(map[string]contextstore.Decision)
	for _, key := range e.Store.Keys(id) {
		if d, err := e.Store.Read(key); err == nil {
			out[contextstore.NameOf(key)] = d.Clone()
		}
	}
	return out, nil
}

// Cancel stops a run. An in-flight stage is abandoned, its token released
// and the run fails with reason cancelled. Committed context is kept.
func (e *Engine) Cancel(ctx context.Context, id, by string) (PipelineRun, error) {
	rs, err := e.state(id)
	if err != nil {
		return PipelineRun{}, err
	}
	ctx = logging.WithRunID(ctx, id)

	rs.mu.Lock()
	switch rs.run.Status {
	case StatusPaused:
		e.Approvals.Cancel(ctx, id, by)
		rs.run.Approval = nil
		rs.cancelled = true
		e.setStatus(ctx, rs, StatusFailed, ReasonCancelled)
		e.persist(ctx, rs)
		run := rs.run.clone()
		rs.mu.Unlock()
		return run, nil
	case StatusPending, StatusRunning:
		rs.cancelled = true
		cancel, done := rs.cancel, rs.done
		rs.mu.Unlock()
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return PipelineRun{}, ctx.Err()
		}
		return e.Get(id)
	}
	status := rs.run.Status
	rs.mu.Unlock()
	return PipelineRun{}, fmt.Errorf("%w: cannot cancel %s run", ErrInvalidTransition, status)
}

// Resolve answers the pending approval of a paused run.
func (e *Engine) Resolve(ctx context.Context, id string, d approval.Decision, by, note string) (PipelineRun, error) {
	if _, err := e.state(id); err != nil {
		return PipelineRun{}, err
	}
	if _, err := e.Approvals.ResolveRun(logging.WithRunID(ctx, id), id, d, by, note); err != nil {
		return PipelineRun{}, err
	}
	return e.Get(id)
}

// Rollback reverts a paused run's context to a checkpoint, named by ID
// or name, and resumes the run at the checkpoint's next stage.
func (e *Engine) Rollback(ctx context.Context, id, checkpoint, by string) (PipelineRun, error) {
	rs, err := e.state(id)
	if err != nil {
		return PipelineRun{}, err
	}
	ctx = logging.WithRunID(ctx, id)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.run.Status != StatusPaused {
		return PipelineRun{}, fmt.Errorf("%w: rollback requires a paused run, run is %s", ErrInvalidTransition, rs.run.Status)
	}
	cp, ok := rs.run.FindCheckpoint(checkpoint)
	if !ok {
		return PipelineRun{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpoint)
	}
	n, err := e.Store.Rollback(ctx, cp.Checkpoint, by)
	if err != nil {
		return PipelineRun{}, fmt.Errorf("rolling back run %s: %w", id, err)
	}
	e.Approvals.Cancel(ctx, id, by)
	e.Logger.Info(ctx, "run rolled back",
		zap.String("checkpoint", cp.Name),
		zap.Int("reverted", n),
		zap.String("by", by))

	rs.run.Approval = nil
	e.resetStage(&rs.run, cp.NextStage)
	rs.run.RecoveryAttempts = 0
	if cp.NextStage == "" {
		e.setStatus(ctx, rs, StatusSucceeded, "rolled back to "+cp.Name)
		e.persist(ctx, rs)
		return rs.run.clone(), nil
	}
	e.Breakers.Trial(ctx, cp.NextStage, "rolled back to "+cp.Name+" by "+by)
	e.setStatus(ctx, rs, StatusRunning, "rolled back to "+cp.Name)
	e.persist(ctx, rs)
	e.schedule(rs)
	return rs.run.clone(), nil
}

// Shutdown stops accepting runs and interrupts running ones without
// failing them, so Recover can resume them. It waits for drivers to exit
// or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onApproval resumes or fails a paused run when its approval resolves.
func (e *Engine) onApproval(ctx context.Context, req approval.Request) {
	rs, err := e.state(req.RunID)
	if err != nil {
		return
	}
	ctx = logging.WithRunID(ctx, req.RunID)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.run.Status != StatusPaused || rs.run.Approval == nil || rs.run.Approval.ID != req.ID {
		return
	}
	rs.run.Approval = nil

	if req.Decision != approval.DecisionApprove {
		e.setStatus(ctx, rs, StatusFailed, "denied by "+req.ResolvedBy)
		e.persist(ctx, rs)
		return
	}
	e.resetStage(&rs.run, rs.run.Stage)
	rs.run.RecoveryAttempts = 0
	e.Breakers.Trial(ctx, rs.run.Stage, "approved by "+req.ResolvedBy)
	e.setStatus(ctx, rs, StatusRunning, "approved by "+req.ResolvedBy)
	e.persist(ctx, rs)
	e.schedule(rs)
}

// resetStage points run at stage with a fresh ladder.
func (e *Engine) resetStage(run *PipelineRun, stage string) {
	run.Stage = stage
	run.Handler = recovery.HandlerPrimary
	run.Hint = stages.HintNone
	run.Ladder = *recovery.NewLadder(stage)
}

// schedule starts a driver for rs. Callers hold rs.mu.
func (e *Engine) schedule(rs *runState) {
	ctx, cancel := context.WithCancel(e.base)
	rs.cancel = cancel
	rs.done = make(chan struct{})
	e.wg.Add(1)
	go e.drive(ctx, rs, rs.done)
}

func (e *Engine) state(id string) (*runState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return rs, nil
}

func (e *Engine) runnersFor(stage string) runners {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runners[stage]
}

func (e *Engine) gateList() []OutputGate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.gates)
}

var allowedTransitions = map[Status][]Status{
	"":            {StatusPending, StatusRunning, StatusPaused, StatusSucceeded, StatusFailed},
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusPaused},
	StatusPaused:  {StatusRunning, StatusFailed, StatusSucceeded},
}

// setStatus moves the run to to and records the transition. Callers hold
// rs.mu.
func (e *Engine) setStatus(ctx context.Context, rs *runState, to Status, reason string) {
	from := rs.run.Status
	if from == to {
		return
	}
	if !slices.Contains(allowedTransitions[from], to) {
		e.Logger.Error(ctx, "invalid run transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return
	}
	now := e.now()
	rs.run.Status = to
	rs.run.UpdatedAt = now
	if to == StatusFailed || to == StatusPaused {
		rs.run.Reason = reason
	} else {
		rs.run.Reason = ""
	}
	rs.run.Transitions = append(rs.run.Transitions, Transition{From: from, To: to, Reason: reason, At: now})

	runTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if _, err := e.Audit.Record(ctx, audit.Event{
		Kind:    audit.KindRunTransition,
		Actor:   "orchestrator",
		RunID:   rs.run.ID,
		Stage:   rs.run.Stage,
		Subject: rs.run.ID,
		Before:  string(from),
		After:   string(to),
		Details: map[string]string{"reason": reason},
	}); err != nil {
		e.Logger.Error(ctx, "run audit record failed", zap.Error(err))
	}
	e.Logger.Info(ctx, "run transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
