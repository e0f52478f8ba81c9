package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsstack/eventwave/core/backoff"
	"github.com/claimsstack/eventwave/core/bus"
	"github.com/claimsstack/eventwave/core/es"
)

type captureSender struct {
	mu   sync.Mutex
	cmds []bus.Command
	fail func(cmd bus.Command) error
}

func (s *captureSender) Send(_ context.Context, cmd bus.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(cmd); err != nil {
			return err
		}
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *captureSender) sent() []bus.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.Command(nil), s.cmds...)
}

func (s *captureSender) types() []string {
	var out []string
	for _, c := range s.sent() {
		out = append(out, c.Type)
	}
	return out
}

func step(name, cmdType string, onSuccess Transition) Step {
	return Step{
		Name:      name,
		Command:   command(cmdType),
		OnSuccess: onSuccess,
	}
}

func command(cmdType string) CommandFactory {
	return func(data map[string]any) bus.Command {
		return bus.Command{Type: cmdType, AggregateID: "claim-1", Data: data}
	}
}

func event(t *testing.T, correlationID, eventType string, fields map[string]any) es.Envelope {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return es.Envelope{
		ID:       "evt-1",
		Type:     eventType,
		Data:     data,
		Metadata: es.Metadata{CorrelationID: correlationID},
	}
}

func settlementSaga() *Definition {
	return &Definition{
		Type: "claim.settlement",
		Steps: []Step{
			step("reserve-funds", "funds.reserve", NextStep()),
			step("pay-claim", "claim.pay", EndSaga()),
		},
	}
}

func TestManager_HappyPath(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	require.NoError(t, m.RegisterSaga(settlementSaga()))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", map[string]any{"claim_id": "claim-1"}, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, []string{"funds.reserve"}, sender.types())

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "FundsReserveCompleted", map[string]any{"reservation_id": "r-1"})))
	assert.Equal(t, []string{"funds.reserve", "claim.pay"}, sender.types())

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "ClaimPayCompleted", nil)))

	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "r-1", got.Data["reservation_id"], "event fields merge into the data bag")
	assert.False(t, got.CompletedAt.IsZero())
}

func TestManager_StepCommandsCarrySagaIdentity(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	require.NoError(t, m.RegisterSaga(settlementSaga()))
	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	cmds := sender.sent()
	require.Len(t, cmds, 1)
	assert.NotEmpty(t, cmds[0].ID)
	assert.Equal(t, "corr-1", cmds[0].Metadata.CorrelationID)
	assert.Equal(t, inst.ID, cmds[0].Metadata.CausationID)
}

func TestManager_FailureWithoutTransition(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	require.NoError(t, m.RegisterSaga(settlementSaga()))
	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "FundsReserveFailed", nil)))

	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)

	// terminal: later events must not revive the saga
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "FundsReserveCompleted", nil)))
	got, err = m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, []string{"funds.reserve"}, sender.types())
}

func TestManager_StatusNotifierOnFailure(t *testing.T) {
	sender := &captureSender{}

	var mu sync.Mutex
	var seen []*Instance
	notify := func(_ context.Context, inst *Instance) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, inst)
	}
	m := NewManager(NewInMemoryRepository(), sender, WithStatusNotifier(notify))
	defer m.Close()

	require.NoError(t, m.RegisterSaga(settlementSaga()))
	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	// step fails with no failure transition: the saga goes FAILED and the
	// notifier fires with the terminal instance
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "FundsReserveFailed", nil)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, inst.ID, seen[0].ID)
	assert.Equal(t, StatusFailed, seen[0].Status)
	assert.NotEmpty(t, seen[0].Error)
}

func TestManager_UnknownSagaType(t *testing.T) {
	m := NewManager(NewInMemoryRepository(), &captureSender{})
	defer m.Close()

	_, err := m.StartSaga(context.Background(), "claim.unknown", nil, "")
	require.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestManager_DuplicateDefinition(t *testing.T) {
	m := NewManager(NewInMemoryRepository(), &captureSender{})
	defer m.Close()

	require.NoError(t, m.RegisterSaga(settlementSaga()))
	require.ErrorIs(t, m.RegisterSaga(settlementSaga()), ErrDefinitionExists)
}

func TestManager_ConditionSkipsStep(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	def := &Definition{
		Type: "claim.settlement",
		Steps: []Step{
			{
				Name:      "notify-reviewer",
				Command:   command("reviewer.notify"),
				Condition: func(data map[string]any) bool { return data["needs_review"] == true },
				OnSuccess: NextStep(),
			},
			step("pay-claim", "claim.pay", EndSaga()),
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	_, err := m.StartSaga(context.Background(), "claim.settlement", map[string]any{"needs_review": false}, "corr-1")
	require.NoError(t, err)

	// the conditional step sent nothing, the saga went straight to step 2
	assert.Equal(t, []string{"claim.pay"}, sender.types())
}

func TestManager_ExplicitOutcomeMapping(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	def := &Definition{
		Type: "claim.settlement",
		Steps: []Step{
			{
				Name:      "reserve-funds",
				Command:   command("funds.reserve"),
				OnSuccess: EndSaga(),
				Outcomes: map[string]Outcome{
					"FundsOnHold":   OutcomeSuccess,
					"HoldCompleted": OutcomeFailure, // mapping beats the name heuristic
				},
			},
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "FundsOnHold", nil)))
	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	inst2, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-2")
	require.NoError(t, err)
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-2", "HoldCompleted", nil)))
	got2, err := m.repo.FindByID(context.Background(), inst2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got2.Status)
}

func TestManager_CompensationReverseOrder(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	comp := func(cmdType string) CommandFactory { return command(cmdType) }
	def := &Definition{
		Type:                 "claim.settlement",
		CompensationStrategy: CompensateReverse,
		Steps: []Step{
			{Name: "s1", Command: command("cmd.s1"), Compensation: comp("undo.s1"), OnSuccess: NextStep()},
			{Name: "s2", Command: command("cmd.s2"), Compensation: comp("undo.s2"), OnSuccess: NextStep()},
			{Name: "s3", Command: command("cmd.s3"), OnSuccess: EndSaga(), OnFailure: Compensate()},
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S1Completed", nil)))
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S2Completed", nil)))
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S3Failed", nil)))

	assert.Equal(t, []string{"cmd.s1", "cmd.s2", "cmd.s3", "undo.s2", "undo.s1"}, sender.types())

	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, got.Status)
}

func TestManager_CompensationParallel(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	def := &Definition{
		Type:                 "claim.settlement",
		CompensationStrategy: CompensateParallel,
		Steps: []Step{
			{Name: "s1", Command: command("cmd.s1"), Compensation: command("undo.s1"), OnSuccess: NextStep()},
			{Name: "s2", Command: command("cmd.s2"), Compensation: command("undo.s2"), OnSuccess: NextStep()},
			{Name: "s3", Command: command("cmd.s3"), OnSuccess: EndSaga(), OnFailure: Compensate()},
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S1Completed", nil)))
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S2Completed", nil)))
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S3Failed", nil)))

	// both compensations ran, in no particular order
	types := sender.types()
	assert.Contains(t, types, "undo.s1")
	assert.Contains(t, types, "undo.s2")

	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, got.Status)
}

func TestManager_CompensationPartial(t *testing.T) {
	sender := &captureSender{
		fail: func(cmd bus.Command) error {
			if cmd.Type == "undo.s1" {
				return errors.New("compensation rejected")
			}
			return nil
		},
	}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	def := &Definition{
		Type: "claim.settlement",
		Steps: []Step{
			{Name: "s1", Command: command("cmd.s1"), Compensation: command("undo.s1"), OnSuccess: NextStep()},
			{Name: "s2", Command: command("cmd.s2"), Compensation: command("undo.s2"), OnSuccess: NextStep()},
			{Name: "s3", Command: command("cmd.s3"), OnSuccess: EndSaga(), OnFailure: Compensate()},
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S1Completed", nil)))
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S2Completed", nil)))
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S3Failed", nil)))

	// undo.s2 succeeded, undo.s1 failed: the pass continues but the
	// terminal status records the partial cleanup
	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensationPartial, got.Status)
	assert.Contains(t, sender.types(), "undo.s2")
}

func TestManager_CompensateSagaAfterCompletion(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	def := &Definition{
		Type: "claim.settlement",
		Steps: []Step{
			{Name: "s1", Command: command("cmd.s1"), Compensation: command("undo.s1"), OnSuccess: NextStep()},
			{Name: "s2", Command: command("cmd.s2"), Compensation: command("undo.s2"), OnSuccess: EndSaga()},
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S1Completed", nil)))
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S2Completed", nil)))

	require.NoError(t, m.CompensateSaga(context.Background(), inst.ID))

	assert.Equal(t, []string{"cmd.s1", "cmd.s2", "undo.s2", "undo.s1"}, sender.types())

	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, got.Status)
}

func TestManager_StepRetry(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	retry := backoff.Fixed(3, 5*time.Millisecond)
	def := &Definition{
		Type: "claim.settlement",
		Steps: []Step{
			{Name: "reserve-funds", Command: command("funds.reserve"), OnSuccess: EndSaga(), Retry: &retry},
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "FundsReserveFailed", nil)))

	// the retry timer re-executes the step
	require.Eventually(t, func() bool {
		return len(sender.sent()) == 2
	}, time.Second, 5*time.Millisecond)

	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "FundsReserveCompleted", nil)))
	got, err = m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestManager_StepRetryExhausted(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	retry := backoff.Fixed(2, time.Millisecond)
	def := &Definition{
		Type: "claim.settlement",
		Steps: []Step{
			{Name: "reserve-funds", Command: command("funds.reserve"), OnSuccess: EndSaga(), Retry: &retry},
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "FundsReserveFailed", nil)))
	require.Eventually(t, func() bool {
		return len(sender.sent()) == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "FundsReserveFailed", nil)))

	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestManager_StepTimeout(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	def := &Definition{
		Type: "claim.settlement",
		Steps: []Step{
			{Name: "reserve-funds", Command: command("funds.reserve"), OnSuccess: EndSaga(), Timeout: 10 * time.Millisecond},
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.repo.FindByID(context.Background(), inst.ID)
		return err == nil && got.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestManager_SagaTimeoutCompensates(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	def := &Definition{
		Type:    "claim.settlement",
		Timeout: 15 * time.Millisecond,
		Steps: []Step{
			{Name: "s1", Command: command("cmd.s1"), Compensation: command("undo.s1"), OnSuccess: NextStep()},
			{Name: "s2", Command: command("cmd.s2"), OnSuccess: EndSaga()},
		},
	}
	require.NoError(t, m.RegisterSaga(def))

	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)
	require.NoError(t, m.HandleEvent(context.Background(), event(t, "corr-1", "S1Completed", nil)))

	// the saga stalls at s2 until the overall timeout fires and the
	// executed step is rolled back
	require.Eventually(t, func() bool {
		got, err := m.repo.FindByID(context.Background(), inst.ID)
		return err == nil && got.Status == StatusCompensated
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, sender.types(), "undo.s1")
}

func TestManager_HandleCommand(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(NewInMemoryRepository(), sender)
	defer m.Close()

	require.NoError(t, m.RegisterSaga(settlementSaga()))
	inst, err := m.StartSaga(context.Background(), "claim.settlement", nil, "corr-1")
	require.NoError(t, err)

	result := bus.Command{
		ID:          "cmd-result",
		Type:        "FundsReserveCompleted",
		AggregateID: "claim-1",
		Data:        map[string]any{"reservation_id": "r-9"},
		Metadata:    bus.Metadata{CorrelationID: "corr-1", CausationID: inst.ID},
	}
	require.NoError(t, m.HandleCommand(context.Background(), result))

	got, err := m.repo.FindByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "r-9", got.Data["reservation_id"])
}

func TestDefinition_Validate(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
	}{
		{"missing type", Definition{Steps: []Step{step("s1", "c1", EndSaga())}}},
		{"no steps", Definition{Type: "t"}},
		{"step without command", Definition{Type: "t", Steps: []Step{{Name: "s1", OnSuccess: EndSaga()}}}},
		{"step without success transition", Definition{Type: "t", Steps: []Step{{Name: "s1", Command: command("c1")}}}},
		{"last step advances past end", Definition{Type: "t", Steps: []Step{step("s1", "c1", NextStep())}}},
		{"bad strategy", Definition{Type: "t", CompensationStrategy: "zigzag", Steps: []Step{step("s1", "c1", EndSaga())}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.def.Validate(), ErrDefinitionInvalid)
		})
	}
}

func TestRepository_FindByStatus(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &Instance{ID: "a", Status: StatusRunning, CorrelationID: "c1"}))
	require.NoError(t, repo.Save(ctx, &Instance{ID: "b", Status: StatusCompleted, CorrelationID: "c1"}))
	require.NoError(t, repo.Save(ctx, &Instance{ID: "c", Status: StatusFailed, CorrelationID: "c2"}))

	active, err := repo.FindByStatus(ctx, StatusStarted, StatusRunning)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)

	byCorr, err := repo.FindByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, byCorr, 2)

	_, err = repo.FindByID(ctx, "missing")
	require.ErrorIs(t, err, ErrSagaNotFound)
}
