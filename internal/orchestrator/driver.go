package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/breaker"
	"github.com/fyrsmithlabs/pipelined/internal/capability"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/recovery"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// drive executes rs until it pauses, ends or is interrupted.
func (e *Engine) drive(ctx context.Context, rs *runState, done chan struct{}) {
	defer e.wg.Done()
	defer close(done)

	rs.mu.Lock()
	ctx = logging.WithRunID(ctx, rs.run.ID)
	rs.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		rs.mu.Lock()
		e.interrupted(ctx, rs)
		rs.mu.Unlock()
		return
	}
	defer e.sem.Release(1)
	activeRuns.Inc()
	defer activeRuns.Dec()

	rs.mu.Lock()
	if rs.run.Status == StatusPending {
		e.setStatus(ctx, rs, StatusRunning, "started")
		e.persist(ctx, rs)
	}
	rs.mu.Unlock()

	for {
		delay, more := e.step(ctx, rs)
		if !more {
			return
		}
		if delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				rs.mu.Lock()
				e.interrupted(ctx, rs)
				rs.mu.Unlock()
				return
			}
		}
	}
}

// step executes the run's current stage once and applies the outcome.
// It returns false when the driver should exit, and a delay to wait
// before the next step.
func (e *Engine) step(ctx context.Context, rs *runState) (time.Duration, bool) {
	rs.mu.Lock()
	if rs.run.Status != StatusRunning {
		rs.mu.Unlock()
		return 0, false
	}
	if ctx.Err() != nil {
		e.interrupted(ctx, rs)
		rs.mu.Unlock()
		return 0, false
	}
	if rs.run.Stage == "" {
		e.setStatus(ctx, rs, StatusSucceeded, "pipeline complete")
		e.persist(ctx, rs)
		rs.mu.Unlock()
		return 0, false
	}
	def, ok := e.graph.Stage(rs.run.Stage)
	if !ok {
		e.setStatus(ctx, rs, StatusFailed, "unknown stage "+rs.run.Stage)
		e.persist(ctx, rs)
		rs.mu.Unlock()
		return 0, false
	}
	call := call{
		runID:   rs.run.ID,
		def:     def,
		handler: rs.run.Handler,
		hint:    rs.run.Hint,
		attempt: len(rs.run.Attempts) + 1,
	}
	rs.mu.Unlock()

	started := e.now()
	res, err := e.invoke(ctx, call)
	elapsed := e.now().Sub(started)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if ctx.Err() != nil {
		e.interrupted(ctx, rs)
		return 0, false
	}
	stageDuration.WithLabelValues(def.Name, string(call.handler)).Observe(elapsed.Seconds())

	sctx := logging.WithStageID(ctx, def.Name)
	if err == nil {
		blocking, warnings := checkGates(sctx, e.gateList(), def, res)
		for _, v := range warnings {
			e.Logger.Warn(sctx, "output gate warning",
				zap.String("gate", v.Gate),
				zap.String("description", v.Description))
		}
		if len(blocking) > 0 {
			err = validationError(def.Name, blocking)
		}
	}

	var open *breaker.CircuitOpenError
	if call.handler == recovery.HandlerPrimary && !errors.As(err, &open) {
		if err == nil {
			e.Breakers.RecordSuccess(sctx, def.Name)
		} else {
			e.Breakers.RecordFailure(sctx, def.Name, err)
		}
	}

	attempt := Attempt{
		Stage:     def.Name,
		Handler:   call.handler,
		Hint:      call.hint,
		StartedAt: started,
		Duration:  elapsed,
	}
	if err == nil {
		attempt.Confidence = res.Confidence
		rs.run.Attempts = append(rs.run.Attempts, attempt)
		if cerr := e.commit(sctx, rs, def, call.handler, res); cerr != nil {
			e.setStatus(ctx, rs, StatusFailed, cerr.Error())
			e.persist(ctx, rs)
			return 0, false
		}
		return 0, rs.run.Status == StatusRunning
	}

	attempt.Error = err.Error()
	rs.run.Attempts = append(rs.run.Attempts, attempt)
	return e.handleFailure(sctx, rs, def, call.handler, err)
}

// call is one planned stage invocation.
type call struct {
	runID   string
	def     stages.Definition
	handler recovery.Handler
	hint    stages.Hint
	attempt int
}

type outcome struct {
	res stages.Result
	err error
}

// invoke runs one attempt of a stage. Breaker admission applies to the
// primary handler only. Critical stages hold a capability token for the
// duration of the call: it is validated before and consumed after the
// call returns, successfully or not. A token is released unused only when
// the call never ran or was abandoned by cancellation.
func (e *Engine) invoke(ctx context.Context, c call) (stages.Result, error) {
	r := e.runnersFor(c.def.Name)
	runner := r.primary
	if c.handler == recovery.HandlerFallback {
		if r.fallback == nil {
			return stages.Result{}, &stages.PermanentError{Stage: c.def.Name, Reason: "no_fallback"}
		}
		runner = r.fallback
	}

	if c.handler == recovery.HandlerPrimary {
		if err := e.Breakers.Allow(ctx, c.def.Name); err != nil {
			return stages.Result{}, err
		}
	}
	abandon := func() {
		if c.handler == recovery.HandlerPrimary {
			e.Breakers.Release(c.def.Name)
		}
	}

	ctx, span := e.Tracer.Start(ctx, "stage."+c.def.Name, trace.WithAttributes(
		attribute.String("run.id", c.runID),
		attribute.String("stage.name", c.def.Name),
		attribute.String("stage.role", string(c.def.Role)),
		attribute.String("stage.handler", string(c.handler)),
		attribute.Int("stage.attempt", c.attempt),
	))
	defer span.End()

	var tokenID string
	if c.def.Critical() {
		tok, err := e.Issuer.Issue(ctx, capability.IssueRequest{
			Scope:     c.def.Scope,
			Requester: c.def.Name,
			RunID:     c.runID,
			Command:   c.def.Command,
			Paths:     c.def.Paths,
		})
		if err != nil {
			e.Logger.Warn(ctx, "capability token refused",
				zap.String("scope", c.def.Scope),
				zap.String("reason", string(capability.ReasonOf(err))))
			abandon()
			return stages.Result{}, spanError(span, err)
		}
		if err := e.Issuer.Validate(ctx, tok.ID, c.def.Scope, c.def.Name); err != nil {
			e.releaseToken(ctx, tok.ID)
			abandon()
			return stages.Result{}, spanError(span, err)
		}
		tokenID = tok.ID
		span.SetAttributes(attribute.String("token.scope", c.def.Scope))
	}

	req := stages.Request{
		RunID:   c.runID,
		Stage:   c.def.Name,
		Role:    c.def.Role,
		View:    stages.NewView(e.Store, c.runID, c.def.Inputs),
		Hint:    c.hint,
		Token:   tokenID,
		Attempt: c.attempt,
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()
	ch := make(chan outcome, 1)
	go func() {
		res, err := runner.Run(tctx, req)
		ch <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-tctx.Done():
		out.err = tctx.Err()
	}

	if ctx.Err() != nil {
		if tokenID != "" {
			e.releaseToken(context.WithoutCancel(ctx), tokenID)
		}
		abandon()
		return stages.Result{}, ctx.Err()
	}
	if out.err != nil && (errors.Is(out.err, context.DeadlineExceeded) || tctx.Err() != nil) {
		out.err = &stages.TransientError{
			Stage:  c.def.Name,
			Reason: stages.ReasonTimeout,
			Err:    fmt.Errorf("stage exceeded %s: %w", e.cfg.StageTimeout, out.err),
		}
	}

	// The call ran, so its side effect may have happened whether or not it
	// reported success: the token is spent either way.
	if tokenID != "" {
		if err := e.Issuer.Consume(ctx, tokenID); err != nil {
			if out.err == nil {
				return stages.Result{}, spanError(span, err)
			}
			e.Logger.Warn(ctx, "capability token consume failed", logging.TokenRef(tokenID), zap.Error(err))
		}
	}
	if out.err != nil {
		return stages.Result{}, spanError(span, out.err)
	}
	span.SetAttributes(attribute.Float64("stage.confidence", out.res.Confidence))
	return out.res, nil
}

func (e *Engine) releaseToken(ctx context.Context, id string) {
	if err := e.Issuer.Release(ctx, id); err != nil {
		e.Logger.Warn(ctx, "capability token release failed", logging.TokenRef(id), zap.Error(err))
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// commit writes the declared outputs of def, derives progress, takes the
// after-stage checkpoint and advances the run. Callers hold rs.mu.
func (e *Engine) commit(ctx context.Context, rs *runState, def stages.Definition, handler recovery.Handler, res stages.Result) error {
	runID := rs.run.ID
	writer := def.Name
	if handler == recovery.HandlerFallback {
		writer = def.Name + "/fallback"
	}

	var deps []string
	for _, in := range def.Inputs {
		key := contextstore.Key(runID, in)
		if _, err := e.Store.Read(key); err == nil {
			deps = append(deps, key)
		}
	}
	for _, out := range def.Outputs {
		value := e.redact(ctx, runID, def.Name, out, res.Values[out])
		if _, err := e.Store.Write(ctx, contextstore.WriteRequest{
			Key:          contextstore.Key(runID, out),
			Value:        value,
			Writer:       writer,
			Confidence:   res.Confidence,
			Dependencies: deps,
		}); err != nil {
			return fmt.Errorf("committing %s: %w", out, err)
		}
	}

	if _, err := e.Store.Derive(ctx, contextstore.Key(runID, ProgressKey), WriterSystem, func(r contextstore.Reader) (any, error) {
		return e.graph.Completion(r, runID), nil
	}); err != nil {
		e.Logger.Warn(ctx, "progress derivation failed", zap.Error(err))
	}

	next := e.graph.Next(def.Name, e.Store, runID)
	cp := e.Store.Snapshot(ctx, runID, "after:"+def.Name)
	rs.run.Checkpoints = append(rs.run.Checkpoints, Checkpoint{Checkpoint: cp, Stage: def.Name, NextStage: next})
	rs.run.StageTransitions++
	e.resetStage(&rs.run, next)
	rs.run.UpdatedAt = e.now()

	e.Logger.Info(ctx, "stage committed",
		zap.String("handler", string(handler)),
		zap.Float64("confidence", res.Confidence),
		zap.String("next", next))

	if next == "" {
		e.setStatus(ctx, rs, StatusSucceeded, "pipeline complete")
		e.persist(ctx, rs)
		return nil
	}
	// Every MaxTransitions transitions an operator must approve the next
	// batch, so an approval grants a fresh budget without resetting the
	// counter.
	if e.cfg.MaxTransitions > 0 && rs.run.StageTransitions%e.cfg.MaxTransitions == 0 {
		nextDef, _ := e.graph.Stage(next)
		e.escalate(ctx, rs, nextDef, ErrTransitionsExceeded.Error())
		return nil
	}
	e.persist(ctx, rs)
	return nil
}

// handleFailure asks the router what to do about err and does it. Callers
// hold rs.mu.
func (e *Engine) handleFailure(ctx context.Context, rs *runState, def stages.Definition, handler recovery.Handler, err error) (time.Duration, bool) {
	r := e.runnersFor(def.Name)
	f := recovery.Failure{
		RunID:       rs.run.ID,
		Stage:       def.Name,
		Err:         err,
		Handler:     handler,
		Breaker:     e.Breakers.State(def.Name).State,
		HasFallback: r.fallback != nil,
		RunAttempts: rs.run.RecoveryAttempts,
	}
	d := e.Router.Decide(ctx, f, &rs.run.Ladder)
	rs.run.RecoveryAttempts++
	rs.run.Attempts[len(rs.run.Attempts)-1].Decision = d.Action
	rs.run.UpdatedAt = e.now()

	e.Logger.Warn(ctx, "stage failed",
		zap.String("handler", string(handler)),
		zap.String("action", string(d.Action)),
		zap.String("reason", d.Reason),
		zap.Error(err))

	switch d.Action {
	case recovery.ActionRetry, recovery.ActionFallback:
		rs.run.Handler = d.Handler
		rs.run.Hint = d.Hint
		e.persist(ctx, rs)
		return d.Delay, true

	case recovery.ActionRollback:
		cp, ok := rs.run.LatestCheckpoint()
		if !ok {
			return 0, e.escalate(ctx, rs, def, "no checkpoint to roll back to")
		}
		if _, rerr := e.Store.Rollback(ctx, cp.Checkpoint, "router"); rerr != nil {
			return 0, e.escalate(ctx, rs, def, "rollback failed: "+rerr.Error())
		}
		ladder := rs.run.Ladder
		e.resetStage(&rs.run, cp.NextStage)
		if cp.NextStage == def.Name {
			ladder.RolledBack = true
			rs.run.Ladder = ladder
		}
		// The retries that led here usually opened the breaker; the retry
		// after rollback must still reach the stage.
		e.Breakers.Trial(ctx, def.Name, "retry after rollback")
		e.Logger.Info(ctx, "run rolled back to checkpoint",
			zap.String("checkpoint", cp.Name),
			zap.String("next", cp.NextStage))
		if cp.NextStage == "" {
			e.setStatus(ctx, rs, StatusSucceeded, "rolled back to "+cp.Name)
			e.persist(ctx, rs)
			return 0, false
		}
		e.persist(ctx, rs)
		return 0, true
	}

	return 0, e.escalate(ctx, rs, def, d.Reason)
}

// escalate pauses the run behind an approval request. It always returns
// false so the driver exits and frees its worker.
func (e *Engine) escalate(ctx context.Context, rs *runState, def stages.Definition, reason string) bool {
	req, err := e.Approvals.Enqueue(ctx, rs.run.ID, def.Name, reason)
	if err != nil {
		e.setStatus(ctx, rs, StatusFailed, "escalation failed: "+err.Error())
		e.persist(ctx, rs)
		return false
	}
	rs.run.Approval = &req
	e.setStatus(ctx, rs, StatusPaused, reason)
	e.persist(ctx, rs)
	return false
}

// interrupted handles a driver whose context ended. Cancelled runs fail;
// runs interrupted by shutdown are persisted as they are so Recover can
// resume them. Callers hold rs.mu.
func (e *Engine) interrupted(ctx context.Context, rs *runState) {
	ctx = context.WithoutCancel(ctx)
	if rs.cancelled && !rs.run.Status.Terminal() {
		e.setStatus(ctx, rs, StatusFailed, ReasonCancelled)
	}
	e.persist(ctx, rs)
}

func (e *Engine) redact(ctx context.Context, runID, stage, output string, value any) any {
	if e.Scrubber == nil {
		return value
	}
	scrubbed, res := e.Scrubber.ScrubValue(value)
	if res.Total == 0 {
		return value
	}
	for id, n := range res.ByRule {
		redactionsTotal.WithLabelValues(stage, id).Add(float64(n))
	}
	e.Logger.Warn(ctx, "redacted credentials from stage output",
		zap.String("run_id", runID),
		zap.String("stage", stage),
		zap.String("output", output),
		zap.Int("matches", res.Total),
		zap.Strings("rules", res.RuleIDs()),
	)
	return scrubbed
}
