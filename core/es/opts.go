package es

import (
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/claimsstack/eventwave/core/cache"
)

// DefaultSnapshotEvery is the snapshot cadence shared across components:
// a snapshot is taken whenever an aggregate's version crosses a multiple
// of this value. Always configuration, never a per-component constant.
const DefaultSnapshotEvery = 50

// IDGenerator is a function that generates unique IDs for events.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type valueOption[T any] struct{ v T }

type (
	storeOpts struct {
		log          *slog.Logger
		cache        cache.Cache
		upgrader     Upgrader
		metrics      ESMetrics
		snapshots    SnapshotStore
		subBuffer    int
		snapshotKeep int
	}

	StoreOption interface{ applyToStore(*storeOpts) }

	LogOption           struct{ l *slog.Logger }
	CacheOption         valueOption[cache.Cache]
	UpgraderOption      valueOption[Upgrader]
	SnapshotStoreOption valueOption[SnapshotStore]
	SubBufferOption     valueOption[int]
	SnapshotKeepOption  valueOption[int]
	ESMetricsOption     struct{ m ESMetrics }
)

func WithLog(l *slog.Logger) LogOption                       { return LogOption{l: l} }
func WithCache(c cache.Cache) CacheOption                    { return CacheOption{v: c} }
func WithUpgrader(u Upgrader) UpgraderOption                 { return UpgraderOption{v: u} }
func WithSnapshotStore(ss SnapshotStore) SnapshotStoreOption { return SnapshotStoreOption{v: ss} }
func WithSubscriptionBuffer(n int) SubBufferOption           { return SubBufferOption{v: n} }
func WithSnapshotKeep(n int) SnapshotKeepOption              { return SnapshotKeepOption{v: n} }

// WithCacheLRU installs a fresh LRU stream cache of the given size.
func WithCacheLRU(size int) CacheOption {
	return CacheOption{v: cache.NewLRU(cache.LRUOpts{Size: size})}
}

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

func (o LogOption) applyToStore(s *storeOpts)           { s.log = o.l }
func (o CacheOption) applyToStore(s *storeOpts)         { s.cache = o.v }
func (o UpgraderOption) applyToStore(s *storeOpts)      { s.upgrader = o.v }
func (o SnapshotStoreOption) applyToStore(s *storeOpts) { s.snapshots = o.v }
func (o SubBufferOption) applyToStore(s *storeOpts)     { s.subBuffer = o.v }
func (o SnapshotKeepOption) applyToStore(s *storeOpts)  { s.snapshotKeep = o.v }
func (o ESMetricsOption) applyToStore(s *storeOpts)     { s.metrics = o.m }

func newStoreOpts(opts ...StoreOption) storeOpts {
	options := storeOpts{
		log:       slog.Default(),
		cache:     cache.NewNop(),
		upgrader:  NopUpgrader(),
		metrics:   NopESMetrics(),
		subBuffer: 64,
	}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}
	return options
}

// === Repository options ===

type (
	repoOpts struct {
		log              *slog.Logger
		idGenerator      IDGenerator
		metrics          ESMetrics
		snapshotEvery    Version
		compressSnapshot bool
	}

	RepositoryOption interface{ applyToRepository(*repoOpts) }

	RepoIDGeneratorOption   valueOption[IDGenerator]
	SnapshotEveryOption     valueOption[Version]
	CompressSnapshotsOption struct{}
)

// WithIDGenerator sets a custom ID generator for event envelope IDs.
func WithIDGenerator(gen IDGenerator) RepoIDGeneratorOption {
	return RepoIDGeneratorOption{v: gen}
}

// WithSnapshotEvery sets the snapshot cadence in stream versions. Zero
// disables automatic snapshots.
func WithSnapshotEvery(every Version) SnapshotEveryOption {
	return SnapshotEveryOption{v: every}
}

// WithCompressedSnapshots enables zstd compression of snapshot payloads.
func WithCompressedSnapshots() CompressSnapshotsOption { return CompressSnapshotsOption{} }

func (o LogOption) applyToRepository(r *repoOpts)               { r.log = o.l }
func (o RepoIDGeneratorOption) applyToRepository(r *repoOpts)   { r.idGenerator = o.v }
func (o SnapshotEveryOption) applyToRepository(r *repoOpts)     { r.snapshotEvery = o.v }
func (o CompressSnapshotsOption) applyToRepository(r *repoOpts) { r.compressSnapshot = true }
func (o ESMetricsOption) applyToRepository(r *repoOpts)         { r.metrics = o.m }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		log:           slog.Default(),
		idGenerator:   DefaultIDGenerator(),
		metrics:       NopESMetrics(),
		snapshotEvery: DefaultSnapshotEvery,
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}
