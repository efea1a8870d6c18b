// Package orchestrator drives pipeline runs through a graph of stages.
//
// # Overview
//
// A run is created from a submitted request and walks the stage graph one
// stage at a time. Every stage is executed by a stages.StageRunner that
// sees a read-only view of the context written by earlier stages. The
// engine, not the runner, commits stage output to the versioned context
// store, so commit order is the single source of truth.
//
// # Run lifecycle
//
//	pending -> running -> succeeded
//	                   -> failed
//	                   -> paused -> running (approve, manual rollback)
//	                             -> failed  (deny, cancel)
//
// # Per-stage protocol
//
// For each stage the engine asks the stage's circuit breaker for
// permission, obtains a capability token for critical stages, invokes the
// runner under the stage timeout, consumes the token, runs the output
// gates and commits. After a commit it derives progress.completion, takes
// an "after:<stage>" checkpoint and evaluates the outgoing routes exactly
// once. Failures go to the recovery router, whose decision is carried out
// here: retry, fallback, rollback to the last checkpoint, or escalation to
// a human approver.
//
// # Gates
//
// Gates validate stage output before it is committed. A violation of
// error severity fails the attempt with a stages.ValidationError, which
// the router answers with its correction loop. Warnings are logged only.
//
// # Persistence
//
// Runs are persisted to a runstore.Store after every transition together
// with their exported context and the breaker states, so Recover can
// resume them after a restart.
package orchestrator
