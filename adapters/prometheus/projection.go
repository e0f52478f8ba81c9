package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claimsstack/eventwave/core/projection"
)

// projectionMetrics implements projection.Metrics using Prometheus.
type projectionMetrics struct {
	eventsProcessed *prometheus.CounterVec
	eventsSkipped   *prometheus.CounterVec
	checkpointSaved *prometheus.CounterVec
	checkpointPos   *prometheus.GaugeVec
	rebuilds        *prometheus.CounterVec
	stops           *prometheus.CounterVec
}

// NewProjectionMetrics creates a new Prometheus implementation of projection.Metrics.
func NewProjectionMetrics(reg prometheus.Registerer) projection.Metrics {
	m := &projectionMetrics{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_projection_events_processed_total",
			Help: "Total number of events handled by projections",
		}, []string{"projection", "success"}),

		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_projection_events_skipped_total",
			Help: "Total number of events skipped by the projection filter",
		}, []string{"projection"}),

		checkpointSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_projection_checkpoints_total",
			Help: "Total number of checkpoint writes",
		}, []string{"projection"}),

		checkpointPos: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventwave_projection_checkpoint_position",
			Help: "Last checkpointed global sequence",
		}, []string{"projection"}),

		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_projection_rebuilds_total",
			Help: "Total number of projection rebuilds",
		}, []string{"projection"}),

		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_projection_stops_total",
			Help: "Total number of projection stops",
		}, []string{"projection", "on_error"}),
	}

	reg.MustRegister(
		m.eventsProcessed,
		m.eventsSkipped,
		m.checkpointSaved,
		m.checkpointPos,
		m.rebuilds,
		m.stops,
	)

	return m
}

func (m *projectionMetrics) EventProcessed(name string, success bool) {
	m.eventsProcessed.WithLabelValues(name, boolToStr(success)).Inc()
}

func (m *projectionMetrics) EventSkipped(name string) {
	m.eventsSkipped.WithLabelValues(name).Inc()
}

func (m *projectionMetrics) CheckpointSaved(name string, position uint64) {
	m.checkpointSaved.WithLabelValues(name).Inc()
	m.checkpointPos.WithLabelValues(name).Set(float64(position))
}

func (m *projectionMetrics) Rebuilt(name string) {
	m.rebuilds.WithLabelValues(name).Inc()
}

func (m *projectionMetrics) Stopped(name string, onError bool) {
	m.stops.WithLabelValues(name, boolToStr(onError)).Inc()
}

var _ projection.Metrics = (*projectionMetrics)(nil)
