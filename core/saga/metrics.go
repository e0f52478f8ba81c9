package saga

// Metrics is the instrumentation hook for the saga manager.
type Metrics interface {
	SagaStarted(sagaType string)
	SagaFinished(sagaType string, status Status)
	StepExecuted(sagaType, step string)
	StepRetried(sagaType, step string)
	CompensationExecuted(sagaType string, partial bool)
	TimeoutFired(sagaType string)
}

type nopMetrics struct{}

func (nopMetrics) SagaStarted(string)                {}
func (nopMetrics) SagaFinished(string, Status)       {}
func (nopMetrics) StepExecuted(string, string)       {}
func (nopMetrics) StepRetried(string, string)        {}
func (nopMetrics) CompensationExecuted(string, bool) {}
func (nopMetrics) TimeoutFired(string)               {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
