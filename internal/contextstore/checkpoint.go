package contextstore

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newCheckpointID() string { return uuid.NewString() }

// Snapshot captures the current version of every key in scope.
func (s *Store) Snapshot(_ context.Context, scope, name string) Checkpoint {
	sl := s.scopeLock(scope)
	sl.Lock()
	defer sl.Unlock()

	versions := make(map[string]int64)
	for _, key := range s.Keys(scope) {
		hist := s.history(key)
		versions[key] = hist[len(hist)-1].Version
	}
	return Checkpoint{
		ID:        s.ids(),
		Name:      name,
		Scope:     scope,
		Versions:  versions,
		CreatedAt: s.now().UTC(),
	}
}

// revert is one planned rollback write.
type revert struct {
	key    string
	target int64
	from   Decision
}

// Rollback reverts every key in the checkpoint's scope to its recorded
// version by appending rollback decisions. Keys created after the
// checkpoint are tombstoned. Keys already at their target are left
// untouched, so repeating a rollback changes nothing. It returns the number
// of keys reverted.
func (s *Store) Rollback(ctx context.Context, cp Checkpoint, actor string) (int, error) {
	sl := s.scopeLock(cp.Scope)
	sl.Lock()
	defer sl.Unlock()

	plan, err := s.planRollback(cp)
	if err != nil {
		return 0, err
	}

	for _, r := range plan {
		d := Decision{
			Key:      r.key,
			Writer:   actor,
			Kind:     KindRollback,
			Restores: r.target,
			Deleted:  true,
		}
		if r.target > 0 {
			d.Value = r.from.Value
			d.Confidence = r.from.Confidence
			d.Dependencies = r.from.Dependencies
			d.Deleted = r.from.Deleted
		}
		if _, err := s.commit(ctx, d, -1); err != nil {
			return 0, fmt.Errorf("rollback %s: %w", r.key, err)
		}
	}

	if len(plan) > 0 {
		s.record(ctx, audit.Event{
			Kind:    audit.KindContextRollback,
			Actor:   actor,
			RunID:   cp.Scope,
			Subject: cp.ID,
			After:   cp.Name,
			Details: map[string]string{"reverted": strconv.Itoa(len(plan))},
		})
		s.logger.Info("context rolled back",
			zap.String("scope", cp.Scope),
			zap.String("checkpoint", cp.Name),
			zap.Int("reverted", len(plan)))
	}
	return len(plan), nil
}

// planRollback validates the whole checkpoint before anything is written.
func (s *Store) planRollback(cp Checkpoint) ([]revert, error) {
	keys := s.Keys(cp.Scope)
	for key := range maps.Keys(cp.Versions) {
		if s.history(key) == nil {
			keys = append(keys, key)
		}
	}

	var plan []revert
	for _, key := range keys {
		target := cp.Versions[key]
		hist := s.history(key)
		if target > int64(len(hist)) {
			return nil, fmt.Errorf("%w: %s@%d", ErrUnknownVersion, key, target)
		}
		latest := hist[len(hist)-1]

		if target == 0 {
			if !latest.Deleted {
				plan = append(plan, revert{key: key})
			}
			continue
		}

		from := hist[target-1]
		switch {
		case latest.Version == target:
		case latest.Kind == KindRollback && latest.Restores == target:
		case latest.Deleted && from.Deleted:
		default:
			plan = append(plan, revert{key: key, target: target, from: from})
		}
	}
	return plan, nil
}

// Export returns the full history of every key in scope, ordered by key
// then version, for persistence.
func (s *Store) Export(scope string) []Decision {
	var out []Decision
	for _, key := range s.Keys(scope) {
		out = append(out, s.history(key)...)
	}
	return out
}

// Import restores exported histories. Keys that already have history are
// left untouched. Each key's decisions must be contiguous from version 1.
func (s *Store) Import(decisions []Decision) error {
	byKey := make(map[string][]Decision)
	var order []string
	for _, d := range decisions {
		if _, ok := byKey[d.Key]; !ok {
			order = append(order, d.Key)
		}
		byKey[d.Key] = append(byKey[d.Key], d)
	}

	for _, key := range order {
		hist := byKey[key]
		for i, d := range hist {
			if d.Version != int64(i+1) {
				return fmt.Errorf("import %s: version %d at position %d is not contiguous", key, d.Version, i)
			}
		}
		e := s.entry(key)
		e.mu.Lock()
		if len(e.load()) == 0 {
			e.history.Store(&hist)
		}
		e.mu.Unlock()
	}
	return nil
}
