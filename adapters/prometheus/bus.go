package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claimsstack/eventwave/core/bus"
	"github.com/claimsstack/eventwave/core/metrics"
)

// busMetrics implements bus.BusMetrics using Prometheus.
type busMetrics struct {
	dispatchDuration *prometheus.HistogramVec
	dispatched       *prometheus.CounterVec
	queryCacheHits   *prometheus.CounterVec
	queryCacheMisses *prometheus.CounterVec
}

// NewBusMetrics creates a new Prometheus implementation of BusMetrics.
func NewBusMetrics(reg prometheus.Registerer) bus.BusMetrics {
	m := &busMetrics{
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventwave_bus_dispatch_duration_seconds",
			Help:    "Bus dispatch latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"kind", "message_type"}),

		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_bus_dispatched_total",
			Help: "Total number of messages dispatched",
		}, []string{"kind", "message_type", "success"}),

		queryCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_bus_query_cache_hits_total",
			Help: "Total number of query cache hits",
		}, []string{"query_type"}),

		queryCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_bus_query_cache_misses_total",
			Help: "Total number of query cache misses",
		}, []string{"query_type"}),
	}

	reg.MustRegister(
		m.dispatchDuration,
		m.dispatched,
		m.queryCacheHits,
		m.queryCacheMisses,
	)

	return m
}

func (m *busMetrics) DispatchDuration(kind, msgType string) metrics.Timer {
	return newTimer(m.dispatchDuration.WithLabelValues(kind, msgType))
}

func (m *busMetrics) Dispatched(kind, msgType string, success bool) {
	m.dispatched.WithLabelValues(kind, msgType, boolToStr(success)).Inc()
}

func (m *busMetrics) QueryCacheHit(queryType string) {
	m.queryCacheHits.WithLabelValues(queryType).Inc()
}

func (m *busMetrics) QueryCacheMiss(queryType string) {
	m.queryCacheMisses.WithLabelValues(queryType).Inc()
}

var _ bus.BusMetrics = (*busMetrics)(nil)
