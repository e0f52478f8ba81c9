package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/claimsstack/eventwave/core/backoff"
	"github.com/claimsstack/eventwave/core/bus"
)

var (
	ErrSagaNotFound       = errors.New("saga not found")
	ErrDefinitionNotFound = errors.New("saga definition not found")
	ErrDefinitionExists   = errors.New("saga definition already registered")
	ErrDefinitionInvalid  = errors.New("invalid saga definition")
	ErrSagaNotActive      = errors.New("saga is not active")
)

// Outcome classifies an incoming event or command result for a step.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// CompensationStrategy selects how compensations are executed.
type CompensationStrategy string

const (
	// CompensateReverse runs compensations strictly in reverse execution
	// order, one at a time.
	CompensateReverse CompensationStrategy = "reverse"
	// CompensateParallel runs all compensations concurrently.
	CompensateParallel CompensationStrategy = "parallel"
)

// TransitionKind is what happens after a step resolves.
type TransitionKind string

const (
	TransitionNextStep   TransitionKind = "next_step"
	TransitionEndSaga    TransitionKind = "end_saga"
	TransitionCompensate TransitionKind = "compensate"
)

// Transition moves a saga after a step outcome. The zero value means
// "no transition configured".
type Transition struct {
	Kind TransitionKind
}

func NextStep() Transition   { return Transition{Kind: TransitionNextStep} }
func EndSaga() Transition    { return Transition{Kind: TransitionEndSaga} }
func Compensate() Transition { return Transition{Kind: TransitionCompensate} }

func (t Transition) isZero() bool { return t.Kind == "" }

// Condition is a predicate over the saga's data bag. A step whose
// condition returns false is skipped and its success transition taken.
type Condition func(data map[string]any) bool

// CommandFactory materializes a step's command from the saga data bag.
// The manager stamps the id, correlation id and causation id afterwards.
type CommandFactory func(data map[string]any) bus.Command

// Step is one unit of work in a saga definition.
type Step struct {
	Name         string
	Command      CommandFactory
	Compensation CommandFactory // optional, skipped during compensation when nil
	Condition    Condition      // optional
	OnSuccess    Transition
	OnFailure    Transition // zero value means a failed step ends the saga as FAILED
	Retry        *backoff.Policy
	Timeout      time.Duration

	// Outcomes maps event or command types to their outcome for this
	// step. Types absent from the map fall back to name classification.
	Outcomes map[string]Outcome
}

// Definition is an immutable saga blueprint registered with the manager.
type Definition struct {
	Type                 string
	Steps                []Step
	Timeout              time.Duration // overall bound, zero disables
	CompensationStrategy CompensationStrategy
}

func (d *Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("%w: missing type", ErrDefinitionInvalid)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: saga %q has no steps", ErrDefinitionInvalid, d.Type)
	}
	switch d.CompensationStrategy {
	case "", CompensateReverse, CompensateParallel:
	default:
		return fmt.Errorf("%w: saga %q: unknown compensation strategy %q",
			ErrDefinitionInvalid, d.Type, d.CompensationStrategy)
	}

	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: saga %q: step %d has no name", ErrDefinitionInvalid, d.Type, i)
		}
		if step.Command == nil {
			return fmt.Errorf("%w: saga %q: step %q has no command", ErrDefinitionInvalid, d.Type, step.Name)
		}
		if step.OnSuccess.isZero() {
			return fmt.Errorf("%w: saga %q: step %q has no success transition", ErrDefinitionInvalid, d.Type, step.Name)
		}
		if step.OnSuccess.Kind == TransitionNextStep && i == len(d.Steps)-1 {
			return fmt.Errorf("%w: saga %q: last step %q cannot advance past the end", ErrDefinitionInvalid, d.Type, step.Name)
		}
		if step.Retry != nil {
			if err := step.Retry.Validate(); err != nil {
				return fmt.Errorf("%w: saga %q: step %q: %v", ErrDefinitionInvalid, d.Type, step.Name, err)
			}
		}
	}
	return nil
}

func (d *Definition) strategy() CompensationStrategy {
	if d.CompensationStrategy == "" {
		return CompensateReverse
	}
	return d.CompensationStrategy
}
