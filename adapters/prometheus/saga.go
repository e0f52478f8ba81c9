package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claimsstack/eventwave/core/saga"
)

// sagaMetrics implements saga.Metrics using Prometheus.
type sagaMetrics struct {
	started       *prometheus.CounterVec
	finished      *prometheus.CounterVec
	stepsExecuted *prometheus.CounterVec
	stepsRetried  *prometheus.CounterVec
	compensations *prometheus.CounterVec
	timeouts      *prometheus.CounterVec
}

// NewSagaMetrics creates a new Prometheus implementation of saga.Metrics.
func NewSagaMetrics(reg prometheus.Registerer) saga.Metrics {
	m := &sagaMetrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_saga_started_total",
			Help: "Total number of sagas started",
		}, []string{"saga_type"}),

		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_saga_finished_total",
			Help: "Total number of sagas reaching a terminal status",
		}, []string{"saga_type", "status"}),

		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_saga_steps_executed_total",
			Help: "Total number of saga steps executed",
		}, []string{"saga_type", "step"}),

		stepsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_saga_steps_retried_total",
			Help: "Total number of saga step retries",
		}, []string{"saga_type", "step"}),

		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_saga_compensations_total",
			Help: "Total number of compensation runs",
		}, []string{"saga_type", "partial"}),

		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventwave_saga_timeouts_total",
			Help: "Total number of saga timeouts fired",
		}, []string{"saga_type"}),
	}

	reg.MustRegister(
		m.started,
		m.finished,
		m.stepsExecuted,
		m.stepsRetried,
		m.compensations,
		m.timeouts,
	)

	return m
}

func (m *sagaMetrics) SagaStarted(sagaType string) {
	m.started.WithLabelValues(sagaType).Inc()
}

func (m *sagaMetrics) SagaFinished(sagaType string, status saga.Status) {
	m.finished.WithLabelValues(sagaType, string(status)).Inc()
}

func (m *sagaMetrics) StepExecuted(sagaType, step string) {
	m.stepsExecuted.WithLabelValues(sagaType, step).Inc()
}

func (m *sagaMetrics) StepRetried(sagaType, step string) {
	m.stepsRetried.WithLabelValues(sagaType, step).Inc()
}

func (m *sagaMetrics) CompensationExecuted(sagaType string, partial bool) {
	m.compensations.WithLabelValues(sagaType, boolToStr(partial)).Inc()
}

func (m *sagaMetrics) TimeoutFired(sagaType string) {
	m.timeouts.WithLabelValues(sagaType).Inc()
}

var _ saga.Metrics = (*sagaMetrics)(nil)
