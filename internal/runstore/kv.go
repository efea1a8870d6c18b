package runstore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nats-io/nats.go"
)

// KV stores run records in a NATS JetStream key-value bucket.
type KV struct {
	kv nats.KeyValue
}

// NewKV binds to bucket, creating it when it does not exist.
func NewKV(js nats.JetStreamContext, bucket string) (*KV, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "pipelined run records",
			History:     5,
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("binding run store bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv}, nil
}

func (s *KV) Put(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.kv.Put(id, data); err != nil {
		return fmt.Errorf("storing run %s: %w", id, err)
	}
	return nil
}

func (s *KV) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	return entry.Value(), nil
}

func (s *KV) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(id); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("deleting run %s: %w", id, err)
	}
	return nil
}

func (s *KV) List(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}
