// Package approval holds runs that need a human decision.
//
// A run that exhausts automatic recovery is escalated: the orchestrator
// enqueues one approval request for it and releases its worker. A
// reviewer approves or denies the request; if nobody answers before the
// request expires, the configured default decision is applied.
package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("approval request not found")
	ErrAlreadyPending  = errors.New("run already has a pending approval request")
	ErrInvalidDecision = errors.New("decision must be approve or deny")
)

// Decision is a reviewer's answer.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ParseDecision validates s.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApprove, DecisionDeny:
		return Decision(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
)

// TimeoutActor is recorded as the resolver of expired requests.
const TimeoutActor = "timeout"

// Request is one escalation awaiting a decision.
type Request struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	Reason      string    `json:"reason"`
	Status      Status    `json:"status"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Decision    Decision  `json:"decision,omitempty"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// Handler is called once per resolved request, outside the queue lock.
type Handler func(ctx context.Context, req Request)

type pending struct {
	req   Request
	timer *time.Timer
}

// Queue tracks pending approval requests, at most one per run.
type Queue struct {
	timeout         time.Duration
	defaultDecision Decision
	audit           audit.Recorder
	logger          *zap.Logger
	now             func() time.Time

	mu       sync.Mutex
	byID     map[string]*pending
	byRun    map[string]string
	handlers []Handler
}

// NewQueue creates a queue applying defaultDecision to requests that are
// not resolved within timeout.
func NewQueue(timeout time.Duration, defaultDecision Decision, rec audit.Recorder, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		timeout:         timeout,
		defaultDecision: defaultDecision,
		audit:           rec,
		logger:          logger,
		now:             time.Now,
		byID:            make(map[string]*pending),
		byRun:           make(map[string]string),
	}
}

// OnResolve registers h for every future resolution.
func (q *Queue) OnResolve(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, h)
}

// Enqueue opens a request for runID.
func (q *Queue) Enqueue(ctx context.Context, runID, stage, reason string) (Request, error) {
	now := q.now()
	return q.add(ctx, Request{
		ID:          uuid.NewString(),
		RunID:       runID,
		Stage:       stage,
		Reason:      reason,
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(q.timeout),
	}, true)
}

// Restore reinstates a persisted pending request with its remaining time.
// An already expired request is resolved with the default decision right
// away.
func (q *Queue) Restore(ctx context.Context, req Request) error {
	if req.Status != StatusPending {
		return fmt.Errorf("restore %s: status %s is not pending", req.ID, req.Status)
	}
	_, err := q.add(ctx, req, false)
	return err
}

func (q *Queue) add(ctx context.Context, req Request, audited bool) (Request, error) {
	q.mu.Lock()
	if _, ok := q.byRun[req.RunID]; ok {
		q.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrAlreadyPending, req.RunID)
	}
	p := &pending{req: req}
	q.byID[req.ID] = p
	q.byRun[req.RunID] = req.ID

	wait := max(req.ExpiresAt.Sub(q.now()), 0)
	id := req.ID
	p.timer = time.AfterFunc(wait, func() {
		_, _ = q.resolve(context.WithoutCancel(ctx), id, q.defaultDecision, TimeoutActor, "approval timed out")
	})
	q.mu.Unlock()

	pendingGauge.Inc()
	if audited {
		q.record(ctx, audit.Event{
			Kind:    audit.KindApprovalRequested,
			Actor:   "orchestrator",
			RunID:   req.RunID,
			Stage:   req.Stage,
			Subject: req.ID,
			After:   string(StatusPending),
			Details: map[string]string{
				"reason":     req.Reason,
				"expires_at": req.ExpiresAt.Format(time.RFC3339),
			},
		})
	}
	q.logger.Info("approval requested",
		zap.String("run.id", req.RunID),
		zap.String("stage.id", req.Stage),
		zap.String("approval.id", req.ID),
		zap.Duration("expires_in", wait))
	return req, nil
}

// Resolve applies a reviewer's decision.
func (q *Queue) Resolve(ctx context.Context, id string, d Decision, by, note string) (Request, error) {
	if _, err := ParseDecision(string(d)); err != nil {
		return Request{}, err
	}
	return q.resolve(ctx, id, d, by, note)
}

// ResolveRun resolves the pending request of runID.
func (q *Queue) ResolveRun(ctx context.Context, runID string, d Decision, by, note string) (Request, error) {
	q.mu.Lock()
	id, ok := q.byRun[runID]
	q.mu.Unlock()
	if !ok {
		return Request{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return q.Resolve(ctx, id, d, by, note)
}

func (q *Queue) resolve(ctx context.Context, id string, d Decision, by, note string) (Request, error) {
	if by == "" {
		by = "anonymous"
	}
	q.mu.Lock()
	p, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.byID, id)
	delete(q.byRun, p.req.RunID)
	p.timer.Stop()

	req := p.req
	req.Decision = d
	req.ResolvedBy = by
	req.ResolvedAt = q.now()
	req.Note = note
	req.Status = StatusDenied
	if d == DecisionApprove {
		req.Status = StatusApproved
	}
	handlers := slices.Clone(q.handlers)
	q.mu.Unlock()

	pendingGauge.Dec()
	resolvedTotal.WithLabelValues(string(d), resolver(by)).Inc()
	q.record(ctx, audit.Event{
		Kind:    audit.KindApprovalResolved,
		Actor:   by,
		RunID:   req.RunID,
		Stage:   req.Stage,
		Subject: req.ID,
		Before:  string(StatusPending),
		After:   string(req.Status),
		Details: map[string]string{"note": note},
	})
	q.logger.Info("approval resolved",
		zap.String("run.id", req.RunID),
		zap.String("approval.id", req.ID),
		zap.String("decision", string(d)),
		zap.String("by", by))

	for _, h := range handlers {
		h(ctx, req)
	}
	return req, nil
}

// Cancel drops the pending request of runID without notifying handlers.
// It is a no-op when the run has none.
func (q *Queue) Cancel(ctx context.Context, runID, by string) {
	q.mu.Lock()
	id, ok := q.byRun[runID]
	if !ok {
		q.mu.Unlock()
		return
	}
	p := q.byID[id]
	delete(q.byID, id)
	delete(q.byRun, runID)
	p.timer.Stop()
	q.mu.Unlock()

	pendingGauge.Dec()
	q.record(ctx, audit.Event{
		Kind:    audit.KindApprovalResolved,
		Actor:   by,
		RunID:   runID,
		Stage:   p.req.Stage,
		Subject: id,
		Before:  string(StatusPending),
		After:   string(StatusCancelled),
	})
}

// Get returns the pending request for runID.
func (q *Queue) Get(runID string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byRun[runID]
	if !ok {
		return Request{}, false
	}
	return q.byID[id].req, true
}

// Pending lists open requests, oldest first.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	out := make([]Request, 0, len(q.byID))
	for _, p := range q.byID {
		out = append(out, p.req)
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b Request) int { return a.RequestedAt.Compare(b.RequestedAt) })
	return out
}

// Close stops every expiry timer. Pending requests stay unresolved so a
// restarted process can restore them.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.byID {
		p.timer.Stop()
	}
}

func (q *Queue) record(ctx context.Context, e audit.Event) {
	if _, err := q.audit.Record(ctx, e); err != nil {
		q.logger.Error("approval audit record failed", zap.String("run.id", e.RunID), zap.Error(err))
	}
}

func resolver(by string) string {
	if by == TimeoutActor {
		return "timeout"
	}
	return "reviewer"
}
