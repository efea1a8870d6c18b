package runstore

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/pipelined/internal/natstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.Get(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "run-2", []byte(`{"id":"run-2"}`)))
	require.NoError(t, s.Put(ctx, "run-1", []byte(`{"id":"run-1","v":1}`)))
	require.NoError(t, s.Put(ctx, "run-1", []byte(`{"id":"run-1","v":2}`)))

	data, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"run-1","v":2}`, string(data))

	ids, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2"}, ids)

	require.NoError(t, s.Delete(ctx, "run-1"))
	require.NoError(t, s.Delete(ctx, "missing"))
	_, err = s.Get(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-2"}, ids)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, s.Put(cancelled, "run-3", []byte(`{}`)))
}

func TestMemory(t *testing.T) {
	testStoreContract(t, NewMemory())
}

func TestMemory_CopiesData(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte(`{"a":1}`)
	require.NoError(t, m.Put(ctx, "run-1", buf))
	buf[2] = 'b'

	data, err := m.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestKV(t *testing.T) {
	nc := natstest.Connect(t)
	js, err := nc.JetStream()
	require.NoError(t, err)

	s, err := NewKV(js, "pipelined_runs_test")
	require.NoError(t, err)
	testStoreContract(t, s)

	// Binding again reuses the existing bucket.
	again, err := NewKV(js, "pipelined_runs_test")
	require.NoError(t, err)
	data, err := again.Get(context.Background(), "run-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"run-2"}`, string(data))
}
