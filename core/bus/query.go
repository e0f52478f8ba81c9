package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claimsstack/eventwave/core/cache"
	"github.com/claimsstack/eventwave/core/sf"
)

// QueryBus routes queries to exactly one registered handler per type and
// keeps an opt-in response cache. A query participates in caching only
// when its metadata carries a CachePolicy with a positive TTL.
type QueryBus struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]QueryHandler
	mws      []QueryMiddleware

	cache cache.Cache
	loads sf.Singleflight[any]

	metrics BusMetrics
	stats   *stats
}

func NewQueryBus(opts ...QueryBusOption) *QueryBus {
	o := newBusOpts()
	for _, opt := range opts {
		opt.applyToQueryBus(o)
	}
	if o.cache == nil {
		o.cache = cache.NewLRU(cache.LRUOpts{Size: DefaultQueryCacheSize})
	}

	return &QueryBus{
		log:      o.log.With(slog.String("component", "query_bus")),
		handlers: map[string]QueryHandler{},
		cache:    o.cache,
		metrics:  o.metrics,
		stats:    newStats(),
	}
}

// Register binds a handler to a query type. A second registration for
// the same type fails with ErrHandlerExists.
func (b *QueryBus) Register(queryType string, h QueryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[queryType]; ok {
		return fmt.Errorf("query %q: %w", queryType, ErrHandlerExists)
	}
	b.handlers[queryType] = h
	return nil
}

// Use appends middleware. The first added runs outermost.
func (b *QueryBus) Use(mws ...QueryMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mws = append(b.mws, mws...)
}

// Execute validates the query envelope, consults the response cache when
// the query carries a cache policy, and otherwise runs the middleware
// chain and the registered handler. Concurrent cache misses for the same
// key are collapsed into a single handler call.
func (b *QueryBus) Execute(ctx context.Context, q Query) (any, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	h, ok := b.handlers[q.Type]
	mws := b.mws
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("query %q: %w", q.Type, ErrHandlerNotFound)
	}

	run := func(ctx context.Context) (any, error) {
		start := time.Now()
		timer := b.metrics.DispatchDuration("query", q.Type)
		res, err := applyMiddlewares(h, mws)(ctx, q)
		timer.ObserveDuration()

		b.stats.record(q.Type, time.Since(start), err)
		b.metrics.Dispatched("query", q.Type, err == nil)
		return res, err
	}

	policy := q.Metadata.CachePolicy
	if policy == nil || policy.TTL <= 0 {
		res, err := run(ctx)
		if err != nil {
			return nil, fmt.Errorf("execute query %q: %w", q.Type, err)
		}
		return res, nil
	}

	key, err := cacheKey(q)
	if err != nil {
		return nil, fmt.Errorf("execute query %q: %w", q.Type, err)
	}

	if res, ok := b.cache.Get(key); ok {
		b.metrics.QueryCacheHit(q.Type)
		return res, nil
	}
	b.metrics.QueryCacheMiss(q.Type)

	res, err := b.loads.Do(key, func() (any, error) {
		if res, ok := b.cache.Get(key); ok {
			return res, nil
		}
		res, err := run(ctx)
		if err != nil {
			return nil, err
		}
		b.cache.Put(key, res, cache.WithTTL(policy.TTL))
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("execute query %q: %w", q.Type, err)
	}
	return res, nil
}

// Invalidate drops the cached response for a query, if any.
func (b *QueryBus) Invalidate(q Query) error {
	key, err := cacheKey(q)
	if err != nil {
		return err
	}
	b.cache.Delete(key)
	return nil
}

// Stats returns a snapshot of the bus counters.
func (b *QueryBus) Stats() Stats { return b.stats.snapshot() }

// cacheKey derives the response cache key from the query type and its
// serialized parameters. Queries of the same type with equal parameters
// share an entry.
func cacheKey(q Query) (string, error) {
	params, err := json.Marshal(q.Params)
	if err != nil {
		return "", fmt.Errorf("marshal query params: %w", err)
	}
	return q.Type + ":" + string(params), nil
}
