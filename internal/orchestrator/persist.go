package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/breaker"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/logging"
	"github.com/fyrsmithlabs/pipelined/internal/runstore"
	"go.uber.org/zap"
)

// record is the persisted form of a run.
type record struct {
	Run      PipelineRun                 `json:"run"`
	Context  []contextstore.Decision     `json:"context"`
	Breakers map[string]breaker.Snapshot `json:"breakers,omitempty"`
	SavedAt  time.Time                   `json:"saved_at"`
}

// persist writes the run record. Failures are logged and counted, never
// returned: the in-memory run stays authoritative. Callers hold rs.mu.
func (e *Engine) persist(ctx context.Context, rs *runState) {
	rec := record{
		Run:      rs.run.clone(),
		Context:  e.Store.Export(rs.run.ID),
		Breakers: e.Breakers.Snapshots(),
		SavedAt:  e.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		persistErrors.Inc()
		e.Logger.Error(ctx, "encoding run record failed", zap.Error(err))
		return
	}
	if err := e.Runs.Put(context.WithoutCancel(ctx), rs.run.ID, data); err != nil {
		persistErrors.Inc()
		e.Logger.Error(ctx, "persisting run failed", zap.Error(err))
	}
}

// Recover loads persisted runs. Their context histories are imported,
// breakers are restored from the most recent record, runs that were
// pending or running are rescheduled and pending approvals are
// reinstated. It returns the number of runs loaded.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.Runs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing run records: %w", err)
	}

	records := make([]record, 0, len(ids))
	for _, id := range ids {
		data, err := e.Runs.Get(ctx, id)
		if errors.Is(err, runstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("loading run %s: %w", id, err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			e.Logger.Error(ctx, "skipping unreadable run record", zap.String("run.id", id), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b record) int { return a.SavedAt.Compare(b.SavedAt) })

	breakers := make(map[string]breaker.Snapshot)
	var loaded []*runState
	for _, rec := range records {
		for stage, s := range rec.Breakers {
			breakers[stage] = s
		}
		if _, err := e.state(rec.Run.ID); err == nil {
			continue
		}
		if err := e.Store.Import(rec.Context); err != nil {
			e.Logger.Error(ctx, "skipping run with bad context history", zap.String("run.id", rec.Run.ID), zap.Error(err))
			continue
		}
		rs := &runState{run: rec.Run}
		e.mu.Lock()
		e.runs[rec.Run.ID] = rs
		e.mu.Unlock()
		loaded = append(loaded, rs)
	}
	for _, s := range breakers {
		e.Breakers.Restore(s)
	}

	resumed := 0
	for _, rs := range loaded {
		rctx := logging.WithRunID(ctx, rs.run.ID)
		rs.mu.Lock()
		switch rs.run.Status {
		case StatusPending, StatusRunning:
			e.schedule(rs)
			resumed++
		case StatusPaused:
			if req := rs.run.Approval; req != nil {
				r := *req
				rs.mu.Unlock()
				if err := e.Approvals.Restore(rctx, r); err != nil {
					e.Logger.Error(rctx, "restoring approval failed", zap.Error(err))
				}
				continue
			}
		}
		rs.mu.Unlock()
	}

	e.Logger.Info(ctx, "runs recovered",
		zap.Int("loaded", len(loaded)),
		zap.Int("resumed", resumed))
	return len(loaded), nil
}
