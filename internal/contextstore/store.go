package contextstore

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"go.uber.org/zap"
)

// entry holds one key's history. Writers serialize on mu; readers load the
// published slice without locking. A published slice is never modified in
// place: appends only write past the length any reader has seen.
type entry struct {
	mu      sync.Mutex
	history atomic.Pointer[[]Decision]
}

func (e *entry) load() []Decision {
	if p := e.history.Load(); p != nil {
		return *p
	}
	return nil
}

// Store is a concurrent, versioned key/value store of decisions.
//
// Writes to one key are serialized; writes to different keys proceed in
// parallel. Snapshot and Rollback take a per-scope exclusive lock that
// ordinary writes share, so a checkpoint never observes a half-applied
// write and a rollback is atomic with respect to other writers.
type Store struct {
	audit  audit.Recorder
	logger *zap.Logger
	now    func() time.Time

	entries  sync.Map // key -> *entry
	scopes   sync.Map // scope -> *sync.RWMutex
	deriving sync.Map // key -> struct{}
	ids      func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs overrides checkpoint ID generation.
func WithIDs(next func() string) Option {
	return func(s *Store) { s.ids = next }
}

// New creates an empty store. rec receives one event per write and per
// effective rollback.
func New(rec audit.Recorder, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{audit: rec, logger: logger, now: time.Now, ids: newCheckpointID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entry(key string) *entry {
	if e, ok := s.entries.Load(key); ok {
		return e.(*entry)
	}
	e, _ := s.entries.LoadOrStore(key, &entry{})
	return e.(*entry)
}

func (s *Store) scopeLock(scope string) *sync.RWMutex {
	if l, ok := s.scopes.Load(scope); ok {
		return l.(*sync.RWMutex)
	}
	l, _ := s.scopes.LoadOrStore(scope, &sync.RWMutex{})
	return l.(*sync.RWMutex)
}

// Write appends a new decision for req.Key and returns its version.
// When writers race on one key, the later commit supersedes the earlier
// one regardless of confidence.
func (s *Store) Write(ctx context.Context, req WriteRequest) (int64, error) {
	return s.CompareAndWrite(ctx, req, -1)
}

// CompareAndWrite appends a decision only if the key's latest version is
// still expected. A negative expected skips the check; zero means the key
// must not exist yet. A mismatch returns *ConflictError.
func (s *Store) CompareAndWrite(ctx context.Context, req WriteRequest, expected int64) (int64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	// The store owns its copy; later changes to the caller's value must
	// not reach history.
	value, err := cloneValue(req.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: value for %s: %v", ErrInvalidWrite, req.Key, err)
	}
	sl := s.scopeLock(ScopeOf(req.Key))
	sl.RLock()
	defer sl.RUnlock()

	d, err := s.commit(ctx, Decision{
		Key:          req.Key,
		Value:        value,
		Writer:       req.Writer,
		Confidence:   req.Confidence,
		Dependencies: slices.Clone(req.Dependencies),
		Kind:         KindWrite,
	}, expected)
	if err != nil {
		return 0, err
	}
	return d.Version, nil
}

// commit assigns the next version under the key lock, publishes the new
// history and records the audit event. Callers hold the scope lock.
func (s *Store) commit(ctx context.Context, d Decision, expected int64) (Decision, error) {
	e := s.entry(d.Key)
	e.mu.Lock()
	defer e.mu.Unlock()

	hist := e.load()
	var prev int64
	if n := len(hist); n > 0 {
		prev = hist[n-1].Version
	}
	if expected >= 0 && prev != expected {
		return Decision{}, &ConflictError{Key: d.Key, Expected: expected, Actual: prev}
	}

	d.Version = prev + 1
	d.Timestamp = s.now().UTC()
	next := append(hist, d)
	e.history.Store(&next)

	if d.Kind != KindRollback {
		s.record(ctx, audit.Event{
			Kind:    audit.KindContextWrite,
			Actor:   d.Writer,
			RunID:   ScopeOf(d.Key),
			Subject: d.Key,
			Before:  strconv.FormatInt(prev, 10),
			After:   strconv.FormatInt(d.Version, 10),
			Details: map[string]string{
				"kind":       string(d.Kind),
				"confidence": strconv.FormatFloat(d.Confidence, 'f', -1, 64),
			},
		})
	}
	s.logger.Debug("context decision committed",
		zap.String("key", d.Key),
		zap.Int64("version", d.Version),
		zap.String("writer", d.Writer),
		zap.String("kind", string(d.Kind)))
	return d, nil
}

func (s *Store) record(ctx context.Context, e audit.Event) {
	if _, err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error("context audit record failed", zap.String("subject", e.Subject), zap.Error(err))
	}
}

// Read returns the latest decision for key.
func (s *Store) Read(key string) (Decision, error) {
	hist := s.history(key)
	if len(hist) == 0 || hist[len(hist)-1].Deleted {
		return Decision{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return hist[len(hist)-1], nil
}

// ReadAt returns the decision that was current at version, i.e. the one
// with the greatest version not exceeding it.
func (s *Store) ReadAt(key string, version int64) (Decision, error) {
	hist := s.history(key)
	if version < 1 || len(hist) == 0 {
		return Decision{}, fmt.Errorf("%w: %s@%d", ErrNotFound, key, version)
	}
	// Versions are contiguous from 1, so version v lives at index v-1.
	idx := min(version, int64(len(hist))) - 1
	d := hist[idx]
	if d.Deleted {
		return Decision{}, fmt.Errorf("%w: %s@%d", ErrNotFound, key, version)
	}
	return d, nil
}

// History returns up to limit decisions for key, newest first. A limit
// of zero returns the whole history.
func (s *Store) History(key string, limit int) []Decision {
	hist := s.history(key)
	n := len(hist)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Decision, 0, n)
	for i := len(hist) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, hist[i])
	}
	return out
}

// Keys returns the sorted keys in scope, including tombstoned ones.
func (s *Store) Keys(scope string) []string {
	var keys []string
	s.entries.Range(func(k, v any) bool {
		key := k.(string)
		if ScopeOf(key) == scope && len(v.(*entry).load()) > 0 {
			keys = append(keys, key)
		}
		return true
	})
	slices.Sort(keys)
	return keys
}

func (s *Store) history(key string) []Decision {
	e, ok := s.entries.Load(key)
	if !ok {
		return nil
	}
	return e.(*entry).load()
}
