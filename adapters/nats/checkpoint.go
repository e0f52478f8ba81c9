package nats

import (
	"context"
	"errors"

	"github.com/claimsstack/eventwave/core/projection"
)

// CheckpointStore persists projection checkpoints in a JetStream
// key-value bucket, one key per projection.
type CheckpointStore struct {
	kv *KvStore[projection.Checkpoint]
}

func NewCheckpointStore(cfg KvConfig) (*CheckpointStore, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "eventwave_checkpoints"
	}
	kv, err := NewKvStore[projection.Checkpoint](cfg)
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{kv: kv}, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp projection.Checkpoint) error {
	return s.kv.Set(ctx, cp.Projection, cp)
}

func (s *CheckpointStore) Load(ctx context.Context, name string) (projection.Checkpoint, error) {
	cp, err := s.kv.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return projection.Checkpoint{}, projection.ErrCheckpointNotFound
		}
		return projection.Checkpoint{}, err
	}
	return cp, nil
}

func (s *CheckpointStore) Delete(ctx context.Context, name string) error {
	return s.kv.Delete(ctx, name)
}

var _ projection.CheckpointStore = (*CheckpointStore)(nil)
