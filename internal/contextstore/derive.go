package contextstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// readOnly hides the write methods from derive callbacks.
type readOnly struct{ s *Store }

func (r readOnly) Read(key string) (Decision, error) { return r.s.Read(key) }

func (r readOnly) ReadAt(key string, v int64) (Decision, error) { return r.s.ReadAt(key, v) }

func (r readOnly) Keys(scope string) []string { return r.s.Keys(scope) }

// Derive computes a derived value and publishes it to key as a single
// step. compute only sees a Reader, so it cannot re-enter the write path,
// and a guard scoped to key rejects a nested Derive of the same key with
// ErrReentrantDerive.
func (s *Store) Derive(ctx context.Context, key, writer string, compute func(Reader) (any, error)) (int64, error) {
	if _, busy := s.deriving.LoadOrStore(key, struct{}{}); busy {
		return 0, fmt.Errorf("%w: %s", ErrReentrantDerive, key)
	}
	defer s.deriving.Delete(key)

	value, err := compute(readOnly{s})
	if err != nil {
		return 0, fmt.Errorf("derive %s: %w", key, err)
	}
	if value, err = cloneValue(value); err != nil {
		return 0, fmt.Errorf("%w: derived value for %s: %v", ErrInvalidWrite, key, err)
	}

	sl := s.scopeLock(ScopeOf(key))
	sl.RLock()
	defer sl.RUnlock()

	d, err := s.commit(ctx, Decision{
		Key:        key,
		Value:      value,
		Writer:     writer,
		Confidence: 1,
		Kind:       KindDerived,
	}, -1)
	if err != nil {
		return 0, err
	}
	return d.Version, nil
}

// UpdateFunc builds the next write from the current decision. found is
// false when the key does not exist yet.
type UpdateFunc func(current Decision, found bool) (WriteRequest, error)

// Update performs a read-modify-write on key. A concurrent write between
// the read and the write surfaces as a ConflictError, which is resolved
// by re-reading and retrying up to attempts times.
func (s *Store) Update(ctx context.Context, key string, attempts int, fn UpdateFunc) (int64, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond

	var version int64
	op := func() error {
		// current and expected come from one load so fn never builds on a
		// value older than the version the write is checked against.
		var (
			current  Decision
			found    bool
			expected int64
		)
		if hist := s.history(key); len(hist) > 0 {
			latest := hist[len(hist)-1]
			expected = latest.Version
			if !latest.Deleted {
				current, found = latest.Clone(), true
			}
		}

		req, err := fn(current, found)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Key = key

		version, err = s.CompareAndWrite(ctx, req, expected)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	retries := uint64(max(attempts-1, 0))
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)); err != nil {
		return 0, err
	}
	return version, nil
}
