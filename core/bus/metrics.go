package bus

import "github.com/claimsstack/eventwave/core/metrics"

// BusMetrics defines the metrics interface for the command/query buses.
type BusMetrics interface {
	DispatchDuration(kind, msgType string) metrics.Timer
	Dispatched(kind, msgType string, success bool)
	QueryCacheHit(queryType string)
	QueryCacheMiss(queryType string)
}

type nopBusMetrics struct{}

func (nopBusMetrics) DispatchDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopBusMetrics) Dispatched(string, string, bool)               {}
func (nopBusMetrics) QueryCacheHit(string)                          {}
func (nopBusMetrics) QueryCacheMiss(string)                         {}

// NopBusMetrics returns a no-op BusMetrics implementation.
func NopBusMetrics() BusMetrics { return nopBusMetrics{} }
