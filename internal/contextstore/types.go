// Package contextstore implements the versioned shared context store.
//
// Stages never share a mutable context object. Every access names a key,
// and every write appends an immutable Decision with a per-key version that
// strictly increases from 1. History is never truncated: rollback appends
// new decisions that restore an older value.
//
// Keys are namespaced by scope, normally the pipeline run ID:
//
//	3f2a…/architecture.main
//
// Snapshot and Rollback operate on one scope at a time.
package contextstore

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/copystructure"
)

// Kind records how a decision came to exist.
type Kind string

const (
	KindWrite    Kind = "write"
	KindRollback Kind = "rollback"
	KindDerived  Kind = "derived"
)

// Decision is one immutable, versioned context entry. A Decision returned
// by Read shares its Value and Dependencies with history; use Clone before
// modifying either.
type Decision struct {
	Key          string    `json:"key"`
	Value        any       `json:"value,omitempty"`
	Writer       string    `json:"writer"`
	Timestamp    time.Time `json:"timestamp"`
	Confidence   float64   `json:"confidence"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Version      int64     `json:"version"`
	Kind         Kind      `json:"kind"`
	// Restores is the version a rollback decision brings back. Zero for
	// rollbacks that remove a key created after the checkpoint.
	Restores int64 `json:"restores,omitempty"`
	// Deleted marks a tombstone; reads treat the key as absent.
	Deleted bool `json:"deleted,omitempty"`
}

// Clone returns a copy of d that shares no mutable state with it. Stages
// get clones so nothing they do to a value reaches the store.
func (d Decision) Clone() Decision {
	if v, err := cloneValue(d.Value); err == nil {
		d.Value = v
	}
	d.Dependencies = slices.Clone(d.Dependencies)
	return d
}

// cloneValue deep-copies a decision value.
func cloneValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return copystructure.Copy(v)
}

// WriteRequest is the input to Write.
type WriteRequest struct {
	Key          string
	Value        any
	Writer       string
	Confidence   float64
	Dependencies []string
}

func (r WriteRequest) validate() error {
	switch {
	case r.Key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidWrite)
	case r.Writer == "":
		return fmt.Errorf("%w: writer is required for %s", ErrInvalidWrite, r.Key)
	case math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1:
		return fmt.Errorf("%w: confidence %v for %s outside [0,1]", ErrInvalidWrite, r.Confidence, r.Key)
	}
	return nil
}

// Checkpoint records the version of every key in one scope.
type Checkpoint struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Scope     string           `json:"scope"`
	Versions  map[string]int64 `json:"versions"`
	CreatedAt time.Time        `json:"created_at"`
}

var (
	ErrNotFound        = errors.New("contextstore: key not found")
	ErrInvalidWrite    = errors.New("contextstore: invalid write")
	ErrUnknownVersion  = errors.New("contextstore: checkpoint references unknown version")
	ErrReentrantDerive = errors.New("contextstore: derived value is already being computed")
)

// ConflictError reports a compare-and-write whose expected version was
// superseded by another writer.
type ConflictError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("contextstore: concurrency conflict on %s: expected version %d, found %d", e.Key, e.Expected, e.Actual)
}

// Key joins a scope and a name into a store key.
func Key(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + "/" + name
}

// ScopeOf returns the scope part of key, or "" for unscoped keys.
func ScopeOf(key string) string {
	scope, _, ok := strings.Cut(key, "/")
	if !ok {
		return ""
	}
	return scope
}

// NameOf strips the scope from key.
func NameOf(key string) string {
	if _, name, ok := strings.Cut(key, "/"); ok {
		return name
	}
	return key
}

// Reader is the read-only half of the store.
type Reader interface {
	Read(key string) (Decision, error)
	ReadAt(key string, version int64) (Decision, error)
	Keys(scope string) []string
}
