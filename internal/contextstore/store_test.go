package contextstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *audit.Log) {
	t.Helper()
	log := audit.New(nil)
	return New(log, nil), log
}

func put(t *testing.T, s *Store, key string, value any) int64 {
	t.Helper()
	v, err := s.Write(context.Background(), WriteRequest{Key: key, Value: value, Writer: "architect", Confidence: 0.9})
	require.NoError(t, err)
	return v
}

func TestStore_WriteAndRead(t *testing.T) {
	s, log := newTestStore(t)

	v, err := s.Write(context.Background(), WriteRequest{
		Key: "run-1/main_architecture", Value: "hexagonal", Writer: "architect",
		Confidence: 0.8, Dependencies: []string{"run-1/user_stories"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	d, err := s.Read("run-1/main_architecture")
	require.NoError(t, err)
	assert.Equal(t, "hexagonal", d.Value)
	assert.Equal(t, "architect", d.Writer)
	assert.Equal(t, 0.8, d.Confidence)
	assert.Equal(t, []string{"run-1/user_stories"}, d.Dependencies)
	assert.Equal(t, KindWrite, d.Kind)

	events := log.Events(audit.Filter{Kind: audit.KindContextWrite})
	require.Len(t, events, 1)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, "0", events[0].Before)
	assert.Equal(t, "1", events[0].After)
}

func TestStore_WriteValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, WriteRequest{Writer: "x"})
	assert.ErrorIs(t, err, ErrInvalidWrite)
	_, err = s.Write(ctx, WriteRequest{Key: "k"})
	assert.ErrorIs(t, err, ErrInvalidWrite)
	_, err = s.Write(ctx, WriteRequest{Key: "k", Writer: "x", Confidence: 1.5})
	assert.ErrorIs(t, err, ErrInvalidWrite)
	_, err = s.Write(ctx, WriteRequest{Key: "k", Writer: "x", Confidence: math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidWrite)
}

func TestStore_WriteCopiesValue(t *testing.T) {
	s, _ := newTestStore(t)
	value := map[string]any{"files": []any{"main.go"}, "lang": "go"}
	put(t, s, "run-1/plan", value)

	value["lang"] = "rust"
	value["files"].([]any)[0] = "main.rs"

	d, err := s.Read("run-1/plan")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"files": []any{"main.go"}, "lang": "go"}, d.Value)
}

func TestDecision_Clone(t *testing.T) {
	d := Decision{
		Key:          "run-1/plan",
		Value:        map[string]any{"steps": []any{"a", "b"}},
		Dependencies: []string{"run-1/spec"},
		Version:      3,
	}
	c := d.Clone()
	c.Value.(map[string]any)["steps"].([]any)[0] = "z"
	c.Dependencies[0] = "run-1/other"

	assert.Equal(t, map[string]any{"steps": []any{"a", "b"}}, d.Value)
	assert.Equal(t, []string{"run-1/spec"}, d.Dependencies)
	assert.Equal(t, d.Version, c.Version)
	assert.Nil(t, Decision{}.Clone().Value)
}

func TestStore_ReadMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Read("run-1/nothing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ReadAt("run-1/nothing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReadAt(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "run-1/k", "a")
	put(t, s, "run-1/k", "b")
	put(t, s, "run-1/k", "c")

	d, err := s.ReadAt("run-1/k", 2)
	require.NoError(t, err)
	assert.Equal(t, "b", d.Value)

	d, err = s.ReadAt("run-1/k", 10)
	require.NoError(t, err)
	assert.Equal(t, "c", d.Value, "versions beyond latest resolve to latest")

	_, err = s.ReadAt("run-1/k", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_VersionsStrictlyIncreaseUnderConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	const writers, perWriter = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Write(context.Background(), WriteRequest{
					Key: "run-1/shared", Value: fmt.Sprintf("%d-%d", w, i), Writer: "developer", Confidence: 1,
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	hist := s.History("run-1/shared", 0)
	require.Len(t, hist, writers*perWriter)
	seen := make(map[int64]bool)
	for i := 1; i < len(hist); i++ {
		assert.Greater(t, hist[i-1].Version, hist[i].Version)
		assert.False(t, seen[hist[i].Version])
		seen[hist[i].Version] = true
	}
	assert.Equal(t, int64(writers*perWriter), hist[0].Version)
}

func TestStore_RacingWritersCommitOrderWins(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	versions := make(map[string]int64)
	var mu sync.Mutex
	for _, w := range []struct {
		value      string
		confidence float64
	}{{"v1", 0.99}, {"v2", 0.1}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Write(context.Background(), WriteRequest{Key: "run-1/keyA", Value: w.value, Writer: "w", Confidence: w.confidence})
			assert.NoError(t, err)
			mu.Lock()
			versions[w.value] = v
			mu.Unlock()
		}()
	}
	wg.Wait()

	latest, err := s.Read("run-1/keyA")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)

	// Whichever write committed second is current, regardless of confidence.
	winner := "v1"
	if versions["v2"] > versions["v1"] {
		winner = "v2"
	}
	assert.Equal(t, winner, latest.Value)
	assert.Len(t, s.History("run-1/keyA", 0), 2, "no lost update")
}

func TestStore_CompareAndWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	req := WriteRequest{Key: "run-1/k", Value: 1, Writer: "w", Confidence: 1}

	_, err := s.CompareAndWrite(ctx, req, 0)
	require.NoError(t, err)

	_, err = s.CompareAndWrite(ctx, req, 0)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.Expected)
	assert.Equal(t, int64(1), conflict.Actual)
}

func TestStore_UpdateResolvesConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	const workers = 10

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), "run-1/counter", 50, func(cur Decision, found bool) (WriteRequest, error) {
				n := 0
				if found {
					n = cur.Value.(int)
				}
				return WriteRequest{Value: n + 1, Writer: "counter", Confidence: 1}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	d, err := s.Read("run-1/counter")
	require.NoError(t, err)
	assert.Equal(t, workers, d.Value)
}

func TestStore_UpdateRetriesOnInterleavedWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	put(t, s, "run-1/counter", 1)

	var seen []any
	v, err := s.Update(ctx, "run-1/counter", 3, func(cur Decision, found bool) (WriteRequest, error) {
		require.True(t, found)
		seen = append(seen, cur.Value)
		if len(seen) == 1 {
			put(t, s, "run-1/counter", 100)
		}
		return WriteRequest{Value: cur.Value.(int) + 1, Writer: "counter", Confidence: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	assert.Equal(t, []any{1, 100}, seen, "the retry builds on the interleaved write")

	d, err := s.Read("run-1/counter")
	require.NoError(t, err)
	assert.Equal(t, 101, d.Value)
}

func TestStore_UpdateTombstonedKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	cp := s.Snapshot(ctx, "run-1", "empty")
	put(t, s, "run-1/k", "stale")
	_, err := s.Rollback(ctx, cp, "orchestrator")
	require.NoError(t, err)

	v, err := s.Update(ctx, "run-1/k", 1, func(cur Decision, found bool) (WriteRequest, error) {
		assert.False(t, found)
		assert.Nil(t, cur.Value)
		return WriteRequest{Value: "fresh", Writer: "w", Confidence: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestStore_UpdateCallbackCannotMutateHistory(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "run-1/plan", map[string]any{"n": 1})

	_, err := s.Update(context.Background(), "run-1/plan", 1, func(cur Decision, _ bool) (WriteRequest, error) {
		m := cur.Value.(map[string]any)
		m["n"] = 2
		return WriteRequest{Value: m, Writer: "w", Confidence: 1}, nil
	})
	require.NoError(t, err)

	first, err := s.ReadAt("run-1/plan", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1}, first.Value)
}

func TestStore_UpdatePropagatesCallbackError(t *testing.T) {
	s, _ := newTestStore(t)
	boom := errors.New("boom")
	_, err := s.Update(context.Background(), "run-1/k", 3, func(Decision, bool) (WriteRequest, error) {
		return WriteRequest{}, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestStore_HistoryLimit(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		put(t, s, "run-1/k", i)
	}
	hist := s.History("run-1/k", 2)
	require.Len(t, hist, 2)
	assert.Equal(t, 4, hist[0].Value)
	assert.Equal(t, 3, hist[1].Value)
}

func TestStore_KeysAreScoped(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "run-1/b", 1)
	put(t, s, "run-1/a", 1)
	put(t, s, "run-2/a", 1)

	assert.Equal(t, []string{"run-1/a", "run-1/b"}, s.Keys("run-1"))
	assert.Equal(t, []string{"run-2/a"}, s.Keys("run-2"))
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "run-1/code_review", Key("run-1", "code_review"))
	assert.Equal(t, "run-1", ScopeOf("run-1/code_review"))
	assert.Equal(t, "code_review", NameOf("run-1/code_review"))
	assert.Equal(t, "", ScopeOf("plain"))
	assert.Equal(t, "plain", Key("", "plain"))
}
