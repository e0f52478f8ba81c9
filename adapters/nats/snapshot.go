package nats

import (
	"context"
	"errors"
	"sort"

	"github.com/claimsstack/eventwave/core/es"
)

// SnapshotStore keeps aggregate snapshots in a JetStream key-value
// bucket, one key per aggregate holding the full snapshot history.
type SnapshotStore struct {
	kv *KvStore[[]*es.Snapshot]
}

func NewSnapshotStore(cfg KvConfig) (*SnapshotStore, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "eventwave_snapshots"
	}
	kv, err := NewKvStore[[]*es.Snapshot](cfg)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{kv: kv}, nil
}

func snapshotKey(aggType, aggID string) string {
	return aggType + "." + aggID
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	key := snapshotKey(snapshot.AggType, snapshot.AggID)

	existing, err := s.kv.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	return s.kv.Set(ctx, key, append(existing, snapshot))
}

func (s *SnapshotStore) GetLatestSnapshot(ctx context.Context, aggType, aggID string) (*es.Snapshot, error) {
	ss, err := s.getAll(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	if len(ss) == 0 {
		return nil, es.ErrSnapshotNotFound
	}
	latest := ss[0]
	for _, sn := range ss[1:] {
		if sn.AggVersion > latest.AggVersion {
			latest = sn
		}
	}
	return latest, nil
}

func (s *SnapshotStore) GetSnapshots(ctx context.Context, aggType, aggID string) ([]*es.Snapshot, error) {
	ss, err := s.getAll(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	sort.Slice(ss, func(a, b int) bool { return ss[a].AggVersion < ss[b].AggVersion })
	return ss, nil
}

func (s *SnapshotStore) DeleteOldSnapshots(ctx context.Context, aggType, aggID string, keepCount int) error {
	ss, err := s.getAll(ctx, aggType, aggID)
	if err != nil {
		return err
	}
	if keepCount <= 0 || len(ss) <= keepCount {
		return nil
	}
	sort.Slice(ss, func(a, b int) bool { return ss[a].AggVersion < ss[b].AggVersion })
	return s.kv.Set(ctx, snapshotKey(aggType, aggID), ss[len(ss)-keepCount:])
}

func (s *SnapshotStore) getAll(ctx context.Context, aggType, aggID string) ([]*es.Snapshot, error) {
	ss, err := s.kv.Get(ctx, snapshotKey(aggType, aggID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ss, nil
}

var _ es.SnapshotStore = (*SnapshotStore)(nil)
