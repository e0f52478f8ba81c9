package projection

// Metrics is the instrumentation hook for projection engines.
type Metrics interface {
	EventProcessed(projection string, success bool)
	EventSkipped(projection string)
	CheckpointSaved(projection string, position uint64)
	Rebuilt(projection string)
	Stopped(projection string, onError bool)
}

type nopMetrics struct{}

func (nopMetrics) EventProcessed(string, bool)    {}
func (nopMetrics) EventSkipped(string)            {}
func (nopMetrics) CheckpointSaved(string, uint64) {}
func (nopMetrics) Rebuilt(string)                 {}
func (nopMetrics) Stopped(string, bool)           {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
