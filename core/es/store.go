package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/claimsstack/eventwave/core/cache"
	"github.com/claimsstack/eventwave/core/perkey"
	"github.com/claimsstack/eventwave/core/sf"
)

// Upgrader transforms an envelope's payload between schema versions.
// The versioning registry implements it; the default is a passthrough.
type Upgrader interface {
	UpgradeEvent(env Envelope) (Envelope, error)
}

type nopUpgrader struct{}

func (nopUpgrader) UpgradeEvent(env Envelope) (Envelope, error) { return env, nil }

// NopUpgrader returns an Upgrader that passes envelopes through unchanged.
func NopUpgrader() Upgrader { return nopUpgrader{} }

type StoreAppendResult struct {
	LastSeq uint64
	Events  []Envelope
}

// Store is the event store: an append-only per-stream log with optimistic
// concurrency, schema upgrades on both sides of storage, a per-stream read
// cache and live subscription fan-out. Storage and snapshots are external
// collaborators; the Store owns the consistency logic above them, which
// includes serializing all writes to one stream on a per-stream lane.
type Store struct {
	log       *slog.Logger
	storage   Storage
	snapshots SnapshotStore
	upgrader  Upgrader
	cache     cache.TypedCache[[]Envelope]
	loads     *sf.Singleflight[[]Envelope]
	writes    *perkey.Scheduler[string]
	metrics   ESMetrics

	subMu     sync.RWMutex
	subs      map[string]*subscription
	subBuffer int

	snapshotKeep int
}

func NewStore(storage Storage, opts ...StoreOption) *Store {
	options := newStoreOpts(opts...)

	return &Store{
		log:          options.log.With(slog.String("store", fmt.Sprintf("%T", storage))),
		storage:      storage,
		snapshots:    options.snapshots,
		upgrader:     options.upgrader,
		cache:        cache.NewTyped[[]Envelope](options.cache),
		loads:        sf.New[[]Envelope](),
		writes:       perkey.New[string](),
		metrics:      options.metrics,
		subs:         map[string]*subscription{},
		subBuffer:    options.subBuffer,
		snapshotKeep: options.snapshotKeep,
	}
}

// SaveEvents appends events to an aggregate stream after an optimistic
// version check. Either every event is persisted or none is. Events are
// upgraded to their current schema version before serialization, the read
// cache is updated and each event is fanned out to matching subscribers.
func (s *Store) SaveEvents(
	ctx context.Context,
	aggType string,
	aggID string,
	expectedVersion Version,
	events []Envelope,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}

	defer s.metrics.StoreAppendDuration(aggType).ObserveDuration()

	sk := StreamKey(aggType, aggID)

	// check and append run on the stream's lane: two writers to one
	// stream can never both pass the version check
	var stamped []Envelope
	laneErr := s.writes.DoContext(ctx, sk, func() error {
		actual, err := s.storage.GetCurrentVersion(ctx, sk)
		if err != nil {
			return fmt.Errorf("failed to read current version of %s: %w", sk, err)
		}
		if actual != expectedVersion {
			s.metrics.ConcurrencyConflict(aggType)
			return NewConcurrencyError(aggID, expectedVersion, actual)
		}

		upgraded := make([]Envelope, 0, len(events))
		v := expectedVersion
		for _, e := range events {
			v++
			if e.Version != v {
				return fmt.Errorf("event version gap in batch for %s: expect %d, got %d", sk, v, e.Version)
			}
			if err := e.Validate(); err != nil {
				return err
			}
			ue, err := s.upgrader.UpgradeEvent(e)
			if err != nil {
				return fmt.Errorf("failed to upgrade event %s: %w", e.ID, err)
			}
			upgraded = append(upgraded, ue)
		}

		stamped, err = s.storage.SaveEvents(ctx, sk, upgraded)
		if err != nil {
			return fmt.Errorf("failed to append to %s: %w", sk, err)
		}

		// keep the cached stream current; a cold cache just reloads later
		if cached, ok := s.cache.Get(sk); ok {
			s.cache.Put(sk, append(cached, stamped...))
		}
		return nil
	})
	if laneErr != nil {
		return nil, laneErr
	}

	s.metrics.EventsAppended(aggType, len(stamped))
	s.dispatch(stamped)

	return &StoreAppendResult{
		LastSeq: stamped[len(stamped)-1].Seq,
		Events:  stamped,
	}, nil
}

// GetEvents reads an aggregate stream, serving from cache when possible.
// Events are upgraded after retrieval; the version range filter is applied
// in memory, not pushed to storage.
func (s *Store) GetEvents(
	ctx context.Context,
	aggType string,
	aggID string,
	fromVersion, toVersion Version,
) ([]Envelope, error) {
	defer s.metrics.StoreLoadDuration(aggType).ObserveDuration()

	sk := StreamKey(aggType, aggID)

	stream, ok := s.cache.Get(sk)
	if ok {
		s.metrics.CacheHit(aggType)
	} else {
		s.metrics.CacheMiss(aggType)

		var err error
		stream, err = s.loads.Do(sk, func() ([]Envelope, error) {
			loaded, err := s.storage.GetEvents(ctx, sk, 0, 0)
			if err != nil {
				return nil, err
			}
			upgraded := make([]Envelope, 0, len(loaded))
			for _, e := range loaded {
				ue, err := s.upgrader.UpgradeEvent(e)
				if err != nil {
					return nil, fmt.Errorf("failed to upgrade event %s: %w", e.ID, err)
				}
				upgraded = append(upgraded, ue)
			}
			s.cache.Put(sk, upgraded)
			return upgraded, nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]Envelope, 0, len(stream))
	for _, e := range stream {
		if fromVersion > 0 && e.Version < fromVersion {
			continue
		}
		if toVersion > 0 && e.Version > toVersion {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetCurrentVersion returns the stream's highest persisted version.
func (s *Store) GetCurrentVersion(ctx context.Context, aggType, aggID string) (Version, error) {
	return s.storage.GetCurrentVersion(ctx, StreamKey(aggType, aggID))
}

// GetAllEvents reads the global log from a position, upgrading each event.
// Projections use it for historical replay and rebuilds.
func (s *Store) GetAllEvents(ctx context.Context, filter AllEventsFilter, fromPosition uint64, batchSize int) ([]Envelope, error) {
	loaded, err := s.storage.GetAllEvents(ctx, filter, fromPosition, batchSize)
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(loaded))
	for _, e := range loaded {
		ue, err := s.upgrader.UpgradeEvent(e)
		if err != nil {
			return nil, fmt.Errorf("failed to upgrade event %s: %w", e.ID, err)
		}
		out = append(out, ue)
	}
	return out, nil
}

// CreateSnapshot captures and persists a snapshot of the aggregate and
// invalidates the cached stream so the next read reconciles with storage.
// Old snapshots beyond the configured keep count are dropped.
func (s *Store) CreateSnapshot(ctx context.Context, agg Aggregate, opts ...SnapshotCreateOption) (*Snapshot, error) {
	if s.snapshots == nil {
		return nil, ErrSnapshotStoreUnconfigured
	}

	defer s.metrics.SnapshotSaveDuration(agg.GetAggType()).ObserveDuration()

	ss, err := CreateSnapshot(agg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := s.snapshots.SaveSnapshot(ctx, ss); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.cache.Delete(StreamKey(agg.GetAggType(), agg.GetID()))

	if s.snapshotKeep > 0 {
		if err := s.snapshots.DeleteOldSnapshots(ctx, agg.GetAggType(), agg.GetID(), s.snapshotKeep); err != nil {
			s.log.Warn("failed to prune old snapshots", slog.Any("error", err))
		}
	}

	s.log.Debug("snapshot saved", ss.logAttrs())
	return ss, nil
}

// SnapshotStore exposes the snapshot collaborator for repository reads.
func (s *Store) SnapshotStore() SnapshotStore { return s.snapshots }

// TruncateStream removes events up to and including toVersion and drops
// the cached stream. Callers normally truncate only below a snapshot.
func (s *Store) TruncateStream(ctx context.Context, aggType, aggID string, toVersion Version) error {
	sk := StreamKey(aggType, aggID)
	return s.writes.DoContext(ctx, sk, func() error {
		if err := s.storage.TruncateStream(ctx, sk, toVersion); err != nil {
			return err
		}
		s.cache.Delete(sk)
		return nil
	})
}

// DeleteStream removes the stream entirely, cache included.
func (s *Store) DeleteStream(ctx context.Context, aggType, aggID string) error {
	sk := StreamKey(aggType, aggID)
	return s.writes.DoContext(ctx, sk, func() error {
		if err := s.storage.DeleteStream(ctx, sk); err != nil {
			return err
		}
		s.cache.Delete(sk)
		return nil
	})
}

// Close shuts the per-stream write lanes down. Queued writes still run.
func (s *Store) Close() { s.writes.Close() }

// === Subscriptions ===

// Subscribe registers a live listener. Delivery is in-process and
// best-effort: a subscriber that stops draining its channel loses events
// (logged), it is never allowed to block writers.
func (s *Store) Subscribe(ctx context.Context, filter SubscribeFilter) Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub := newSubscription(filter, s.subBuffer, s.unsubscribe)
	s.subs[sub.id] = sub

	context.AfterFunc(ctx, sub.Cancel)

	s.log.Debug("subscribed", slog.String("subscription", sub.id))
	return sub
}

// Unsubscribe removes a subscription by id. Unknown ids are ignored.
func (s *Store) Unsubscribe(id string) { s.unsubscribe(id) }

func (s *Store) unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, id)
}

func (s *Store) dispatch(events []Envelope) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	if len(s.subs) == 0 {
		return
	}

	s.log.Debug(
		"dispatching events",
		slog.Int("events", len(events)),
		slog.Int("subscriptions", len(s.subs)),
	)

	for _, e := range events {
		for _, sub := range s.subs {
			if !sub.filter.matches(e) {
				continue
			}
			select {
			case sub.ch <- e:
			default:
				s.log.Warn(
					"subscriber buffer full, dropping event",
					slog.String("subscription", sub.id),
					slog.String("event_id", e.ID),
				)
			}
		}
	}
}
