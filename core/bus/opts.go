package bus

import (
	"log/slog"

	"github.com/claimsstack/eventwave/core/cache"
)

// DefaultQueryCacheSize bounds the query bus response cache.
const DefaultQueryCacheSize = 256

type busOpts struct {
	log     *slog.Logger
	metrics BusMetrics
	cache   cache.Cache
}

type (
	CommandBusOption interface{ applyToCommandBus(o *busOpts) }
	QueryBusOption   interface{ applyToQueryBus(o *busOpts) }
)

type valueOption[T any] struct {
	value        T
	applyCommand func(o *busOpts, v T)
	applyQuery   func(o *busOpts, v T)
}

func (v valueOption[T]) applyToCommandBus(o *busOpts) {
	if v.applyCommand != nil {
		v.applyCommand(o, v.value)
	}
}

func (v valueOption[T]) applyToQueryBus(o *busOpts) {
	if v.applyQuery != nil {
		v.applyQuery(o, v.value)
	}
}

// WithLog sets the logger for the bus.
func WithLog(l *slog.Logger) valueOption[*slog.Logger] {
	return valueOption[*slog.Logger]{
		value:        l,
		applyCommand: func(o *busOpts, v *slog.Logger) { o.log = v },
		applyQuery:   func(o *busOpts, v *slog.Logger) { o.log = v },
	}
}

// WithMetrics sets the metrics sink for the bus.
func WithMetrics(m BusMetrics) valueOption[BusMetrics] {
	return valueOption[BusMetrics]{
		value:        m,
		applyCommand: func(o *busOpts, v BusMetrics) { o.metrics = v },
		applyQuery:   func(o *busOpts, v BusMetrics) { o.metrics = v },
	}
}

// WithQueryCache replaces the query bus response cache.
func WithQueryCache(c cache.Cache) valueOption[cache.Cache] {
	return valueOption[cache.Cache]{
		value:      c,
		applyQuery: func(o *busOpts, v cache.Cache) { o.cache = v },
	}
}

func newBusOpts() *busOpts {
	return &busOpts{
		log:     slog.Default(),
		metrics: NopBusMetrics(),
	}
}
