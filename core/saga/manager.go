package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/claimsstack/eventwave/core/bus"
	"github.com/claimsstack/eventwave/core/es"
	"github.com/claimsstack/eventwave/core/perkey"
)

// CommandSender delivers a saga's step and compensation commands. Sending
// is fire-and-forget from the orchestrator's perspective; outcomes arrive
// later via HandleEvent or HandleCommand.
type CommandSender interface {
	Send(ctx context.Context, cmd bus.Command) error
}

// SenderFunc adapts a function to the CommandSender interface.
type SenderFunc func(ctx context.Context, cmd bus.Command) error

func (f SenderFunc) Send(ctx context.Context, cmd bus.Command) error { return f(ctx, cmd) }

// StatusNotifier observes a saga reaching a terminal status. The manager
// invokes it after the instance is persisted, with a copy of the instance.
type StatusNotifier func(ctx context.Context, inst *Instance)

// Manager drives saga instances through their state machine. All work on
// one instance is serialized; different instances proceed in parallel.
type Manager struct {
	log     *slog.Logger
	repo    Repository
	sender  CommandSender
	metrics Metrics
	notify  StatusNotifier
	idGen   func() string

	mu   sync.RWMutex
	defs map[string]*Definition

	sched  *perkey.Scheduler[string]
	timers *timers
}

type ManagerOption interface{ applyToManager(m *Manager) }

type managerOption struct {
	apply func(m *Manager)
}

func (o managerOption) applyToManager(m *Manager) { o.apply(m) }

// WithLog sets the manager's logger.
func WithLog(l *slog.Logger) ManagerOption {
	return managerOption{apply: func(m *Manager) { m.log = l }}
}

// WithMetrics sets the manager's metrics sink.
func WithMetrics(metrics Metrics) ManagerOption {
	return managerOption{apply: func(m *Manager) { m.metrics = metrics }}
}

// WithIDGenerator replaces the instance id generator.
func WithIDGenerator(gen func() string) ManagerOption {
	return managerOption{apply: func(m *Manager) { m.idGen = gen }}
}

// WithStatusNotifier registers a callback fired whenever a saga reaches a
// terminal status, FAILED and COMPENSATION_PARTIAL included.
func WithStatusNotifier(n StatusNotifier) ManagerOption {
	return managerOption{apply: func(m *Manager) { m.notify = n }}
}

func NewManager(repo Repository, sender CommandSender, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:     slog.Default(),
		repo:    repo,
		sender:  sender,
		metrics: NopMetrics(),
		idGen:   func() string { return gonanoid.Must() },
		defs:    map[string]*Definition{},
		sched:   perkey.New[string](),
		timers:  newTimers(),
	}
	for _, opt := range opts {
		opt.applyToManager(m)
	}
	m.log = m.log.With(slog.String("component", "saga_manager"))
	return m
}

// Close stops all pending timers and the per-instance scheduler. Sagas in
// flight stay persisted and can be resumed by a new manager.
func (m *Manager) Close() {
	m.timers.stopAll()
	m.sched.Close()
}

// RegisterSaga adds a definition. Registering the same type twice fails.
func (m *Manager) RegisterSaga(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.defs[def.Type]; ok {
		return fmt.Errorf("saga %q: %w", def.Type, ErrDefinitionExists)
	}
	m.defs[def.Type] = def
	return nil
}

func (m *Manager) definition(sagaType string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.defs[sagaType]
	if !ok {
		return nil, fmt.Errorf("saga %q: %w", sagaType, ErrDefinitionNotFound)
	}
	return def, nil
}

// StartSaga creates a new instance at the first step, persists it,
// schedules the overall timeout and executes the first step.
func (m *Manager) StartSaga(ctx context.Context, sagaType string, data map[string]any, correlationID string) (*Instance, error) {
	def, err := m.definition(sagaType)
	if err != nil {
		return nil, err
	}
	if correlationID == "" {
		correlationID = m.idGen()
	}

	now := time.Now()
	inst := &Instance{
		ID:            m.idGen(),
		Type:          sagaType,
		Status:        StatusStarted,
		CurrentStep:   0,
		Data:          data,
		CorrelationID: correlationID,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if inst.Data == nil {
		inst.Data = map[string]any{}
	}

	if err := m.repo.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("start saga %q: %w", sagaType, err)
	}
	m.metrics.SagaStarted(sagaType)
	m.log.Info("saga started",
		slog.String("saga_type", sagaType),
		slog.String("saga_id", inst.ID),
		slog.String("correlation_id", correlationID),
	)

	if def.Timeout > 0 {
		m.scheduleSagaTimeout(inst.ID, def.Timeout)
	}

	err = m.sched.DoContext(ctx, inst.ID, func() error {
		return m.executeStep(ctx, def, inst)
	})
	if err != nil {
		return nil, err
	}
	return inst.clone(), nil
}

// Status returns a snapshot of a saga instance by id.
func (m *Manager) Status(ctx context.Context, sagaID string) (*Instance, error) {
	inst, err := m.repo.FindByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return inst.clone(), nil
}

// HandleEvent routes an event to all active sagas sharing its correlation
// id. The event payload is merged into each saga's data bag and the event
// type classified as a step outcome.
func (m *Manager) HandleEvent(ctx context.Context, env es.Envelope) error {
	corr := env.Metadata.CorrelationID
	if corr == "" {
		return nil
	}

	instances, err := m.repo.FindByCorrelationID(ctx, corr)
	if err != nil {
		return fmt.Errorf("handle event %q: %w", env.Type, err)
	}

	var fields map[string]any
	if len(env.Data) > 0 {
		// non-object payloads carry no fields to merge
		_ = json.Unmarshal(env.Data, &fields)
	}

	var errs []error
	for _, inst := range instances {
		if !inst.Status.IsActive() {
			continue
		}
		id := inst.ID
		if err := m.sched.DoContext(ctx, id, func() error {
			return m.resolveOutcome(ctx, id, env.Type, fields)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleCommand routes a command result back to the saga that caused it,
// matched by the command's causation id.
func (m *Manager) HandleCommand(ctx context.Context, cmd bus.Command) error {
	sagaID := cmd.Metadata.CausationID
	if sagaID == "" {
		return nil
	}
	if _, err := m.repo.FindByID(ctx, sagaID); err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			return nil
		}
		return err
	}

	fields, _ := commandFields(cmd.Data)
	return m.sched.DoContext(ctx, sagaID, func() error {
		return m.resolveOutcome(ctx, sagaID, cmd.Type, fields)
	})
}

func commandFields(data any) (map[string]any, bool) {
	if m, ok := data.(map[string]any); ok {
		return m, true
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

// resolveOutcome runs on the instance's lane. It reloads the instance,
// merges the payload and applies the classified outcome to the current
// step.
func (m *Manager) resolveOutcome(ctx context.Context, sagaID, msgType string, fields map[string]any) error {
	inst, err := m.repo.FindByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if !inst.Status.IsActive() {
		return nil
	}
	def, err := m.definition(inst.Type)
	if err != nil {
		return err
	}

	inst.mergeData(fields)
	step := def.Steps[inst.CurrentStep]

	switch classifyOutcome(step, msgType) {
	case OutcomeSuccess:
		m.timers.cancel(stepTimerKey(inst.ID))
		return m.applyTransition(ctx, def, inst, step.OnSuccess)
	case OutcomeFailure:
		m.timers.cancel(stepTimerKey(inst.ID))
		return m.failStep(ctx, def, inst, fmt.Errorf("step %q failed on %q", step.Name, msgType))
	default:
		// unrelated event for this correlation, keep the merged data
		inst.UpdatedAt = time.Now()
		return m.repo.Save(ctx, inst)
	}
}

// executeStep runs the saga's current step: evaluates its condition,
// materializes and sends its command and arms the step timeout.
func (m *Manager) executeStep(ctx context.Context, def *Definition, inst *Instance) error {
	inst.Status = StatusRunning
	step := def.Steps[inst.CurrentStep]

	if step.Condition != nil && !step.Condition(inst.Data) {
		m.log.Debug("step skipped by condition",
			slog.String("saga_id", inst.ID),
			slog.String("step", step.Name),
		)
		return m.applyTransition(ctx, def, inst, step.OnSuccess)
	}

	cmd := m.stampCommand(step.Command(inst.Data), inst)
	inst.markExecuted(inst.CurrentStep)
	inst.UpdatedAt = time.Now()
	if err := m.repo.Save(ctx, inst); err != nil {
		return fmt.Errorf("saga %q step %q: %w", inst.ID, step.Name, err)
	}

	if step.Timeout > 0 {
		m.scheduleStepTimeout(inst.ID, step.Name, step.Timeout)
	}

	m.metrics.StepExecuted(inst.Type, step.Name)
	m.log.Debug("step command sent",
		slog.String("saga_id", inst.ID),
		slog.String("step", step.Name),
		slog.String("command_type", cmd.Type),
	)

	if err := m.sender.Send(ctx, cmd); err != nil {
		m.timers.cancel(stepTimerKey(inst.ID))
		return m.failStep(ctx, def, inst, fmt.Errorf("send %q: %w", cmd.Type, err))
	}
	return nil
}

// stampCommand gives the materialized command its identity: a fresh id,
// the saga's correlation id and the saga id as causation.
func (m *Manager) stampCommand(cmd bus.Command, inst *Instance) bus.Command {
	cmd.ID = m.idGen()
	cmd.Metadata.CorrelationID = inst.CorrelationID
	cmd.Metadata.CausationID = inst.ID
	return cmd
}

func (m *Manager) applyTransition(ctx context.Context, def *Definition, inst *Instance, tr Transition) error {
	switch tr.Kind {
	case TransitionNextStep:
		inst.CurrentStep++
		return m.executeStep(ctx, def, inst)
	case TransitionEndSaga:
		return m.finish(ctx, inst, StatusCompleted, "")
	case TransitionCompensate:
		return m.runCompensation(ctx, def, inst)
	default:
		return fmt.Errorf("%w: saga %q: unknown transition %q", ErrDefinitionInvalid, inst.Type, tr.Kind)
	}
}

// failStep applies the retry policy; once exhausted it follows the
// step's failure transition or marks the saga FAILED.
func (m *Manager) failStep(ctx context.Context, def *Definition, inst *Instance, cause error) error {
	step := def.Steps[inst.CurrentStep]

	if step.Retry != nil {
		attempt := inst.recordAttempt(inst.CurrentStep)
		if attempt < step.Retry.MaxAttempts {
			delay := step.Retry.DelayFor(attempt)
			inst.Error = cause.Error()
			inst.UpdatedAt = time.Now()
			if err := m.repo.Save(ctx, inst); err != nil {
				return err
			}

			m.metrics.StepRetried(inst.Type, step.Name)
			m.log.Warn("step failed, retrying",
				slog.String("saga_id", inst.ID),
				slog.String("step", step.Name),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", cause),
			)

			sagaID := inst.ID
			m.timers.schedule(retryTimerKey(sagaID), delay, func() {
				_ = m.sched.Do(sagaID, func() error {
					return m.retryStep(context.Background(), sagaID)
				})
			})
			return nil
		}
	}

	if !step.OnFailure.isZero() {
		m.log.Warn("step failed, following failure transition",
			slog.String("saga_id", inst.ID),
			slog.String("step", step.Name),
			slog.Any("error", cause),
		)
		inst.Error = cause.Error()
		return m.applyTransition(ctx, def, inst, step.OnFailure)
	}

	m.log.Error("step failed, no failure transition",
		slog.String("saga_id", inst.ID),
		slog.String("step", step.Name),
		slog.Any("error", cause),
	)
	return m.finish(ctx, inst, StatusFailed, cause.Error())
}

// retryStep re-executes the current step of a still-active saga. Runs on
// the instance lane from a retry timer.
func (m *Manager) retryStep(ctx context.Context, sagaID string) error {
	inst, err := m.repo.FindByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if !inst.Status.IsActive() {
		return nil
	}
	def, err := m.definition(inst.Type)
	if err != nil {
		return err
	}
	return m.executeStep(ctx, def, inst)
}

// CompensateSaga compensates a saga by id: every already executed step
// with a compensation command is undone per the definition's strategy.
func (m *Manager) CompensateSaga(ctx context.Context, sagaID string) error {
	return m.sched.DoContext(ctx, sagaID, func() error {
		inst, err := m.repo.FindByID(ctx, sagaID)
		if err != nil {
			return err
		}
		if inst.Status == StatusCompensated || inst.Status == StatusCompensating {
			return nil
		}
		def, err := m.definition(inst.Type)
		if err != nil {
			return err
		}
		return m.runCompensation(ctx, def, inst)
	})
}

// runCompensation undoes executed steps. Individual compensation
// failures are logged and do not stop the pass; the final status tells
// them apart: COMPENSATED for a clean pass, COMPENSATION_PARTIAL when at
// least one compensation failed.
func (m *Manager) runCompensation(ctx context.Context, def *Definition, inst *Instance) error {
	m.timers.cancel(stepTimerKey(inst.ID))
	m.timers.cancel(retryTimerKey(inst.ID))

	inst.Status = StatusCompensating
	inst.UpdatedAt = time.Now()
	if err := m.repo.Save(ctx, inst); err != nil {
		return err
	}

	steps := m.compensatableSteps(def, inst)
	var failed int
	switch def.strategy() {
	case CompensateParallel:
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, idx := range steps {
			idx := idx
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := m.sendCompensation(ctx, def.Steps[idx], inst); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
	default:
		// reverse execution order, one at a time
		for i := len(steps) - 1; i >= 0; i-- {
			if err := m.sendCompensation(ctx, def.Steps[steps[i]], inst); err != nil {
				failed++
			}
		}
	}

	status := StatusCompensated
	if failed > 0 {
		status = StatusCompensationPartial
	}
	m.metrics.CompensationExecuted(inst.Type, failed > 0)
	return m.finish(ctx, inst, status, inst.Error)
}

// compensatableSteps returns the executed step indices subject to
// compensation, in execution order. The current step is included only if
// it succeeded, which is the case exactly when the saga completed.
func (m *Manager) compensatableSteps(def *Definition, inst *Instance) []int {
	var out []int
	for _, idx := range inst.ExecutedSteps {
		if idx >= len(def.Steps) {
			continue
		}
		if idx < inst.CurrentStep || inst.Status == StatusCompleted {
			out = append(out, idx)
		}
	}
	return out
}

func (m *Manager) sendCompensation(ctx context.Context, step Step, inst *Instance) error {
	if step.Compensation == nil {
		return nil
	}
	cmd := m.stampCommand(step.Compensation(inst.Data), inst)
	if err := m.sender.Send(ctx, cmd); err != nil {
		m.log.Error("compensation failed",
			slog.String("saga_id", inst.ID),
			slog.String("step", step.Name),
			slog.String("command_type", cmd.Type),
			slog.Any("error", err),
		)
		return err
	}
	m.log.Info("compensation sent",
		slog.String("saga_id", inst.ID),
		slog.String("step", step.Name),
		slog.String("command_type", cmd.Type),
	)
	return nil
}

// finish moves the saga to a terminal status and stops its timers.
func (m *Manager) finish(ctx context.Context, inst *Instance, status Status, errMsg string) error {
	m.timers.cancel(sagaTimerKey(inst.ID))
	m.timers.cancel(stepTimerKey(inst.ID))
	m.timers.cancel(retryTimerKey(inst.ID))

	now := time.Now()
	inst.Status = status
	inst.Error = errMsg
	inst.UpdatedAt = now
	inst.CompletedAt = now
	if err := m.repo.Save(ctx, inst); err != nil {
		return err
	}

	m.metrics.SagaFinished(inst.Type, status)
	m.log.Info("saga finished",
		slog.String("saga_type", inst.Type),
		slog.String("saga_id", inst.ID),
		slog.String("status", string(status)),
	)
	if m.notify != nil {
		m.notify(ctx, inst.clone())
	}
	return nil
}

func (m *Manager) scheduleSagaTimeout(sagaID string, d time.Duration) {
	m.timers.schedule(sagaTimerKey(sagaID), d, func() {
		_ = m.sched.Do(sagaID, func() error {
			return m.onSagaTimeout(context.Background(), sagaID)
		})
	})
}

func (m *Manager) scheduleStepTimeout(sagaID, stepName string, d time.Duration) {
	m.timers.schedule(stepTimerKey(sagaID), d, func() {
		_ = m.sched.Do(sagaID, func() error {
			return m.onStepTimeout(context.Background(), sagaID, stepName)
		})
	})
}

// onSagaTimeout fires when a saga exceeds its overall bound. Executed
// steps are compensated; a saga that never got work done just times out.
func (m *Manager) onSagaTimeout(ctx context.Context, sagaID string) error {
	inst, err := m.repo.FindByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if !inst.Status.IsActive() {
		return nil
	}
	def, err := m.definition(inst.Type)
	if err != nil {
		return err
	}

	m.metrics.TimeoutFired(inst.Type)
	m.log.Warn("saga timed out",
		slog.String("saga_type", inst.Type),
		slog.String("saga_id", inst.ID),
	)

	inst.Error = "saga timed out"
	if len(m.compensatableSteps(def, inst)) > 0 {
		return m.runCompensation(ctx, def, inst)
	}
	return m.finish(ctx, inst, StatusTimeout, inst.Error)
}

// onStepTimeout treats an overdue step as a step failure, subject to the
// step's retry policy and failure transition.
func (m *Manager) onStepTimeout(ctx context.Context, sagaID, stepName string) error {
	inst, err := m.repo.FindByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if !inst.Status.IsActive() {
		return nil
	}
	def, err := m.definition(inst.Type)
	if err != nil {
		return err
	}
	if def.Steps[inst.CurrentStep].Name != stepName {
		// the saga already moved on
		return nil
	}

	m.metrics.TimeoutFired(inst.Type)
	return m.failStep(ctx, def, inst, fmt.Errorf("step %q timed out", stepName))
}

func sagaTimerKey(id string) string  { return "saga:" + id }
func stepTimerKey(id string) string  { return "step:" + id }
func retryTimerKey(id string) string { return "retry:" + id }
