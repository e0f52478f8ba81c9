package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

// Repository rehydrates aggregates and persists new events with optimistic
// concurrency. Replay is snapshot-bounded: the latest snapshot (if any) is
// applied first, then only the events after it are loaded.
type Repository interface {
	Load(ctx context.Context, agg Aggregate) error
	Save(ctx context.Context, agg Aggregate) error
	CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
}

type repository struct {
	log         *slog.Logger
	store       *Store
	registry    *EventRegistry
	idGenerator IDGenerator
	metrics     ESMetrics

	snapshotEvery    Version
	compressSnapshot bool
}

func NewRepository(
	store *Store,
	registry *EventRegistry,
	opts ...RepositoryOption,
) Repository {
	options := newRepoOpts(opts...)

	return &repository{
		log:              options.log.With(slog.String("component", "repository")),
		store:            store,
		registry:         registry,
		idGenerator:      options.idGenerator,
		metrics:          options.metrics,
		snapshotEvery:    options.snapshotEvery,
		compressSnapshot: options.compressSnapshot,
	}
}

// Load rehydrates agg from the store: snapshot first when available, then
// the events after it. Unknown event types in the history are skipped with
// a warning, not an error.
func (r *repository) Load(ctx context.Context, agg Aggregate) (err error) {
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events (dirty=true)")
	}

	defer r.metrics.RepoLoadDuration(aggType).ObserveDuration()

	log := r.log.With(
		slog.Group(
			"agg",
			slog.String("type", aggType),
			slog.String("id", aggID),
		),
	)

	if ss := r.store.SnapshotStore(); ss != nil {
		err = ApplySnapshot(ctx, ss, agg)
		if err != nil && !errors.Is(err, ErrSnapshotNotFound) {
			return fmt.Errorf("failed to apply snapshot: %w", err)
		}
		if err == nil {
			log.Debug(
				"snapshot applied",
				slog.Uint64("seq", agg.GetSeq()),
				agg.GetVersion().SlogAttr(),
			)
		}
	}

	loaded, err := r.store.GetEvents(ctx, aggType, aggID, agg.GetVersion()+1, 0)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) && agg.GetVersion() == 0 {
			return ErrAggregateNotFound
		}
		if !errors.Is(err, ErrStreamNotFound) {
			return err
		}
		loaded = nil
	}

	before := unhandledCount(agg)
	if err := LoadFromHistory(agg, r.registry, loaded); err != nil {
		return err
	}
	if skipped := unhandledCount(agg) - before; skipped > 0 {
		log.Warn("skipped events with no registered mutator", slog.Int("count", skipped))
	}

	if agg.GetVersion() == 0 {
		return ErrAggregateNotFound
	}

	return nil
}

func unhandledCount(agg Aggregate) int {
	if c, ok := any(agg).(interface{ UnhandledEvents() int }); ok {
		return c.UnhandledEvents()
	}
	return 0
}

// Save persists all uncommitted events in one atomic batch. On success the
// buffer is cleared and, when the configured snapshot cadence was crossed,
// a snapshot is taken.
func (r *repository) Save(ctx context.Context, agg Aggregate) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}

	defer r.metrics.RepoSaveDuration(aggType).ObserveDuration()

	expectVersion := agg.GetVersion() - Version(len(uncommitted))

	newEnvs := make([]Envelope, 0, len(uncommitted))
	for _, pe := range uncommitted {
		data, err := json.Marshal(pe.Event)
		if err != nil {
			return err
		}

		occurredAt := pe.RaisedAt
		if occurredAt.IsZero() {
			occurredAt = time.Now()
		}

		env := Envelope{
			ID:            r.idGenerator(),
			Type:          getEventTypeOf(pe.Event),
			AggregateID:   aggID,
			AggregateType: aggType,
			Version:       pe.Version,
			Metadata:      pe.Metadata,
			OccurredAt:    occurredAt,
			Data:          data,
		}

		if err := env.Validate(); err != nil {
			return err
		}

		newEnvs = append(newEnvs, env)
	}

	res, err := r.store.SaveEvents(ctx, aggType, aggID, expectVersion, newEnvs)
	if err != nil {
		return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	}
	agg.setSeq(res.LastSeq)
	agg.ClearUncommitted()

	if r.snapshotEvery > 0 && agg.GetVersion()/r.snapshotEvery > expectVersion/r.snapshotEvery {
		if _, err := r.CreateSnapshot(ctx, agg); err != nil {
			r.log.Warn("snapshot after save failed", slog.Any("error", err))
		}
	}

	r.log.Debug(
		"saved",
		slog.Group(
			"agg",
			slog.String("id", aggID),
			slog.String("type", aggType),
			slog.Uint64("seq", agg.GetSeq()),
			agg.GetVersion().SlogAttr(),
		),
		slog.Int("num_events", len(newEnvs)),
	)

	return nil
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error) {
	var opts []SnapshotCreateOption
	if r.compressSnapshot {
		opts = append(opts, WithSnapshotCompression())
	}
	return r.store.CreateSnapshot(ctx, agg, opts...)
}

var _ Repository = &repository{}

// === TypedRepository ===

type TypedRepository[T Aggregate] interface {
	GetAggType() string
	New() T
	NewWithID(id string) T
	Load(ctx context.Context, a T) error
	GetByID(ctx context.Context, aggID string) (T, error)
	Save(ctx context.Context, agg T) error
	// WithTransaction loads the aggregate, runs fn and saves, retrying the
	// whole cycle on a concurrency conflict. This is the reload-and-retry
	// loop losers of an optimistic race are expected to run.
	WithTransaction(ctx context.Context, aggID string, fn func(a T) error) error
}

type typedRepo[T Aggregate] struct {
	r           Repository
	log         *slog.Logger
	maxAttempts int
}

func (t *typedRepo[T]) New() T { return t.NewWithID("") }

func (t *typedRepo[T]) NewWithID(id string) T {
	var a T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		a = reflect.New(rt.Elem()).Interface().(T)
	} else {
		a = *new(T)
	}
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) Load(ctx context.Context, a T) error {
	return t.r.Load(ctx, a)
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	err = t.r.Load(ctx, a)
	if err != nil {
		return
	}
	return a, nil
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T) error {
	return t.r.Save(ctx, agg)
}

func (t *typedRepo[T]) WithTransaction(ctx context.Context, aggID string, fn func(a T) error) error {
	var lastErr error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		a := t.NewWithID(aggID)
		err := t.r.Load(ctx, a)
		if err != nil && !errors.Is(err, ErrAggregateNotFound) {
			return err
		}

		if err := fn(a); err != nil {
			return err
		}

		err = t.r.Save(ctx, a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
		t.log.Debug("concurrency conflict, reloading", slog.String("id", aggID), slog.Int("attempt", attempt+1))
	}
	return lastErr
}

func (t *typedRepo[T]) GetAggType() string {
	a := t.New()
	return a.GetAggType()
}

func NewTypedRepository[T Aggregate](store *Store, reg *EventRegistry, opts ...RepositoryOption) TypedRepository[T] {
	options := newRepoOpts(opts...)
	return NewTypedRepositoryFrom[T](options.log, NewRepository(store, reg, opts...))
}

func NewTypedRepositoryFrom[T Aggregate](log *slog.Logger, r Repository) TypedRepository[T] {
	return &typedRepo[T]{
		r:           r,
		log:         log.With(slog.String("repo", fmt.Sprintf("%T", *new(T)))),
		maxAttempts: 16,
	}
}
