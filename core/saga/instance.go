package saga

import "time"

// Status is the saga instance lifecycle state.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	// StatusCompensationPartial marks a compensation pass that finished
	// with at least one failed compensation. Distinct from COMPENSATED so
	// operators can tell best-effort cleanup from a clean rollback.
	StatusCompensationPartial Status = "COMPENSATION_PARTIAL"
	StatusTimeout             Status = "TIMEOUT"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusCompensationPartial, StatusTimeout:
		return true
	}
	return false
}

// IsActive reports whether the saga still reacts to correlated messages.
func (s Status) IsActive() bool {
	return s == StatusStarted || s == StatusRunning
}

// Instance is one running saga. The manager owns all mutation; instances
// are persisted through the Repository after every transition.
type Instance struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Status        Status         `json:"status"`
	CurrentStep   int            `json:"current_step"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id"`

	// StepAttempts counts retries per step index.
	StepAttempts map[int]int `json:"step_attempts,omitempty"`
	// ExecutedSteps records the indices of steps whose command was sent,
	// in execution order. Compensation walks this list.
	ExecutedSteps []int `json:"executed_steps,omitempty"`

	Error string `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

func (i *Instance) mergeData(fields map[string]any) {
	if i.Data == nil {
		i.Data = map[string]any{}
	}
	for k, v := range fields {
		i.Data[k] = v
	}
}

func (i *Instance) markExecuted(step int) {
	for _, s := range i.ExecutedSteps {
		if s == step {
			return
		}
	}
	i.ExecutedSteps = append(i.ExecutedSteps, step)
}

func (i *Instance) attempts(step int) int {
	if i.StepAttempts == nil {
		return 0
	}
	return i.StepAttempts[step]
}

func (i *Instance) recordAttempt(step int) int {
	if i.StepAttempts == nil {
		i.StepAttempts = map[int]int{}
	}
	i.StepAttempts[step]++
	return i.StepAttempts[step]
}

// clone returns a deep enough copy for handing out of the repository.
func (i *Instance) clone() *Instance {
	out := *i
	out.Data = make(map[string]any, len(i.Data))
	for k, v := range i.Data {
		out.Data[k] = v
	}
	if i.StepAttempts != nil {
		out.StepAttempts = make(map[int]int, len(i.StepAttempts))
		for k, v := range i.StepAttempts {
			out.StepAttempts[k] = v
		}
	}
	out.ExecutedSteps = append([]int(nil), i.ExecutedSteps...)
	return &out
}
