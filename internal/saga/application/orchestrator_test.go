package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/saga/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	sharedUtils "github.com/davicafu/fleetguard/shared/utils"
	"github.com/davicafu/fleetguard/tests/mocks"
)

// ------------------ Helpers ------------------

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// testStep registra "do:<name>" y "undo:<name>" y falla cuando se le pide.
func testStep(log *callLog, name string, failAction, failCompensation bool) domain.StepDefinition {
	return domain.StepDefinition{
		Name: name,
		Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
			log.add("do:" + name)
			if failAction {
				return nil, errors.New(name + " exploded")
			}
			return sharedDomain.Payload{"step": name}, nil
		},
		Compensate: func(ctx context.Context, sc *domain.StepContext) error {
			log.add("undo:" + name)
			if failCompensation {
				return errors.New(name + " cannot be undone")
			}
			return nil
		},
	}
}

func newTestOrchestrator(t *testing.T, opts []Option, defs ...domain.Definition) (*Orchestrator, *mocks.InMemorySagaRepo) {
	t.Helper()
	repo := mocks.NewInMemorySagaRepo()
	registry := domain.NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	executor := NewStepExecutor(repo, ExecutorConfig{
		Retry:   sharedUtils.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Timeout: time.Second,
	}, zap.NewNop())
	return NewOrchestrator(registry, repo, repo, executor, zap.NewNop(), opts...), repo
}

func stepsOfType(t *testing.T, repo *mocks.InMemorySagaRepo, sagaID string, stepType domain.StepType) []*domain.SagaStep {
	t.Helper()
	rows, err := repo.ListSteps(context.Background(), sagaID)
	require.NoError(t, err)
	var out []*domain.SagaStep
	for _, r := range rows {
		if r.StepType == stepType {
			out = append(out, r)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ------------------ Tests ------------------

func TestOrchestrator_Execute_Success(t *testing.T) {
	// ARRANGE
	calls := &callLog{}
	def := domain.Definition{Name: "three", Steps: []domain.StepDefinition{
		testStep(calls, "a", false, false),
		testStep(calls, "b", false, false),
		testStep(calls, "c", false, false),
	}}
	orch, repo := newTestOrchestrator(t, nil, def)

	// ACT
	inst, err := orch.Execute(context.Background(), "three", sharedDomain.Payload{"k": "v"}, WithSagaID("saga-ok"))

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, inst.Status)
	assert.Equal(t, 3, inst.CurrentStep)
	assert.Equal(t, 2, inst.Checkpoint.LastCompleted)
	assert.Equal(t, []string{"a", "b", "c"}, inst.Checkpoint.CompletedSteps)
	assert.Equal(t, "c", inst.Output.String("step"))
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, []string{"do:a", "do:b", "do:c"}, calls.list())

	stored, err := repo.GetInstance(context.Background(), "saga-ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	actions := stepsOfType(t, repo, "saga-ok", domain.StepAction)
	require.Len(t, actions, 3)
	for i, row := range actions {
		assert.Equal(t, i, row.StepIndex)
		assert.Equal(t, domain.StepCompleted, row.Status)
	}
}

func TestOrchestrator_Execute_CompensatesInReverseOrder(t *testing.T) {
	// ARRANGE: a y b tienen éxito, c falla siempre.
	calls := &callLog{}
	def := domain.Definition{Name: "three", Steps: []domain.StepDefinition{
		testStep(calls, "a", false, false),
		testStep(calls, "b", false, false),
		testStep(calls, "c", true, false),
	}}
	orch, repo := newTestOrchestrator(t, nil, def)

	// ACT
	inst, err := orch.Execute(context.Background(), "three", nil, WithSagaID("saga-comp"))

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompensated, inst.Status)
	assert.Contains(t, inst.Error, "c exploded")
	// 1 intento + 1 reintento de c, luego compensaciones en orden inverso.
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "do:c", "undo:b", "undo:a"}, calls.list())

	comps := stepsOfType(t, repo, "saga-comp", domain.StepCompensation)
	require.Len(t, comps, 2, "exactly one compensation per succeeded step")
	assert.Equal(t, "b", comps[0].StepName)
	assert.Equal(t, "a", comps[1].StepName)

	failed := stepsOfType(t, repo, "saga-comp", domain.StepAction)[2]
	assert.Equal(t, domain.StepFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)

	assert.Empty(t, repo.DeadLettersForSaga("saga-comp"), "a compensated saga is consistent")
}

func TestOrchestrator_Execute_FirstStepFailureGoesToFailed(t *testing.T) {
	calls := &callLog{}
	def := domain.Definition{Name: "two", Steps: []domain.StepDefinition{
		testStep(calls, "a", true, false),
		testStep(calls, "b", false, false),
	}}
	orch, repo := newTestOrchestrator(t, nil, def)

	inst, err := orch.Execute(context.Background(), "two", sharedDomain.Payload{"x": "1"}, WithSagaID("saga-fail"))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, inst.Status)
	assert.Empty(t, stepsOfType(t, repo, "saga-fail", domain.StepCompensation))
	assert.NotContains(t, calls.list(), "do:b")

	dls := repo.DeadLettersForSaga("saga-fail")
	require.Len(t, dls, 1)
	assert.Equal(t, domain.FailureMaxRetries, dls[0].FailureType)
	assert.True(t, dls[0].Retryable)
	assert.Equal(t, "1", dls[0].OriginalInput.String("x"))
}

func TestOrchestrator_Execute_CompensationFailureEscalates(t *testing.T) {
	calls := &callLog{}
	def := domain.Definition{Name: "three", Steps: []domain.StepDefinition{
		testStep(calls, "a", false, false),
		testStep(calls, "b", false, true),
		testStep(calls, "c", true, false),
	}}
	orch, repo := newTestOrchestrator(t, nil, def)

	inst, err := orch.Execute(context.Background(), "three", nil, WithSagaID("saga-partial"))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, inst.Status)
	// La compensación de a se intenta aunque b haya fallado.
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "do:c", "undo:b", "undo:b", "undo:a"}, calls.list())
	assert.Equal(t, []string{"a"}, inst.Checkpoint.Compensated)

	dls := repo.DeadLettersForSaga("saga-partial")
	require.Len(t, dls, 1)
	assert.Equal(t, domain.FailureCompensationFailed, dls[0].FailureType)
	assert.False(t, dls[0].Retryable)
}

func TestOrchestrator_Execute_UnknownSagaTypeCreatesNothing(t *testing.T) {
	orch, repo := newTestOrchestrator(t, nil)

	_, err := orch.Execute(context.Background(), "nope", nil)

	assert.ErrorIs(t, err, domain.ErrUnknownSagaType)
	assert.Empty(t, repo.Instances)
}

func TestOrchestrator_Execute_DuplicateSagaID(t *testing.T) {
	calls := &callLog{}
	def := domain.Definition{Name: "one", Steps: []domain.StepDefinition{testStep(calls, "a", false, false)}}
	orch, _ := newTestOrchestrator(t, nil, def)

	_, err := orch.Execute(context.Background(), "one", nil, WithSagaID("dup"))
	require.NoError(t, err)
	_, err = orch.Execute(context.Background(), "one", nil, WithSagaID("dup"))
	assert.ErrorIs(t, err, domain.ErrSagaAlreadyExists)
}

func TestOrchestrator_Resume_SkipsCheckpointedSteps(t *testing.T) {
	// ARRANGE: crash tras checkpointear a pero antes de avanzar currentStep.
	calls := &callLog{}
	var seenFromA sharedDomain.Payload
	b := testStep(calls, "b", false, false)
	b.Action = func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
		calls.add("do:b")
		seenFromA = sc.Result("a")
		return nil, nil
	}
	def := domain.Definition{Name: "three", Steps: []domain.StepDefinition{
		testStep(calls, "a", false, false), b, testStep(calls, "c", false, false),
	}}
	orch, repo := newTestOrchestrator(t, nil, def)

	crashed := domain.NewSagaInstance("saga-crash", "three", 3, nil, 0, time.Now())
	crashed.Checkpoint.CompleteStep(0, "a", sharedDomain.Payload{"from": "a"})
	repo.Put(crashed)

	// ACT
	inst, err := orch.ResumeFromCheckpoint(context.Background(), "saga-crash")

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, inst.Status)
	assert.Equal(t, []string{"do:b", "do:c"}, calls.list())
	assert.Equal(t, "a", seenFromA.String("from"))
	assert.Equal(t, 3, inst.CurrentStep)
}

func TestOrchestrator_Resume_TerminalIsNoop(t *testing.T) {
	calls := &callLog{}
	def := domain.Definition{Name: "one", Steps: []domain.StepDefinition{testStep(calls, "a", false, false)}}
	orch, repo := newTestOrchestrator(t, nil, def)

	_, err := orch.Execute(context.Background(), "one", nil, WithSagaID("done"))
	require.NoError(t, err)
	updates := repo.Updates

	inst, err := orch.ResumeFromCheckpoint(context.Background(), "done")

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, inst.Status)
	assert.Equal(t, []string{"do:a"}, calls.list())
	assert.Equal(t, updates, repo.Updates)
}

func TestOrchestrator_Resume_ContinuesCompensation(t *testing.T) {
	calls := &callLog{}
	def := domain.Definition{Name: "three", Steps: []domain.StepDefinition{
		testStep(calls, "a", false, false),
		testStep(calls, "b", false, false),
		testStep(calls, "c", false, false),
	}}
	orch, repo := newTestOrchestrator(t, nil, def)

	inst := domain.NewSagaInstance("saga-undo", "three", 3, nil, 0, time.Now())
	inst.Checkpoint.CompleteStep(0, "a", nil)
	inst.Checkpoint.CompleteStep(1, "b", nil)
	inst.Checkpoint.MarkCompensated("b")
	inst.CurrentStep = 2
	inst.Status = domain.StatusCompensating
	repo.Put(inst)

	out, err := orch.ResumeFromCheckpoint(context.Background(), "saga-undo")

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompensated, out.Status)
	assert.Equal(t, []string{"undo:a"}, calls.list())
}

func TestOrchestrator_Resume_UnknownSaga(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)
	_, err := orch.ResumeFromCheckpoint(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}

func TestOrchestrator_Cancel_HaltsAtNextStepBoundary(t *testing.T) {
	calls := &callLog{}
	var orch *Orchestrator
	a := testStep(calls, "a", false, false)
	a.Action = func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
		calls.add("do:a")
		return nil, orch.Cancel(ctx, sc.SagaID)
	}
	def := domain.Definition{Name: "two", Steps: []domain.StepDefinition{a, testStep(calls, "b", false, false)}}
	orch, repo := newTestOrchestrator(t, nil, def)

	inst, err := orch.Execute(context.Background(), "two", nil, WithSagaID("saga-cancel"))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompensated, inst.Status)
	assert.Contains(t, inst.Error, "cancelled")
	assert.Equal(t, []string{"do:a", "undo:a"}, calls.list())
	assert.Empty(t, repo.DeadLettersForSaga("saga-cancel"))

	assert.ErrorIs(t, orch.Cancel(context.Background(), "saga-cancel"), domain.ErrSagaTerminal)
}

func TestOrchestrator_SagaTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	calls := &callLog{}
	a := testStep(calls, "a", false, false)
	a.Action = func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
		calls.add("do:a")
		clock.Advance(2 * time.Minute)
		return nil, nil
	}
	def := domain.Definition{Name: "slow", Timeout: time.Minute, Steps: []domain.StepDefinition{a, testStep(calls, "b", false, false)}}
	orch, _ := newTestOrchestrator(t, []Option{WithClock(clock.Now)}, def)

	inst, err := orch.Execute(context.Background(), "slow", nil)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompensated, inst.Status)
	assert.Contains(t, inst.Error, domain.ErrSagaTimedOut.Error())
	assert.NotContains(t, calls.list(), "do:b")
}

func TestOrchestrator_ItemFailuresEndPartial(t *testing.T) {
	def := domain.Definition{Name: "items", Steps: []domain.StepDefinition{{
		Name: "apply",
		Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
			sc.Checkpoint.MarkProcessed("dev-1")
			sc.Checkpoint.MarkFailed("dev-2", "offline")
			return nil, sc.Save(ctx)
		},
	}}}
	orch, repo := newTestOrchestrator(t, nil, def)

	inst, err := orch.Execute(context.Background(), "items", nil, WithSagaID("saga-items"))

	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, inst.Status)
	assert.Empty(t, repo.DeadLettersForSaga("saga-items"))
	stored, _ := repo.GetInstance(context.Background(), "saga-items")
	assert.Equal(t, []string{"dev-1"}, stored.Checkpoint.Processed)
}

func TestOrchestrator_StartRunsInBackground(t *testing.T) {
	calls := &callLog{}
	release := make(chan struct{})
	a := testStep(calls, "a", false, false)
	a.Action = func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
		<-release
		return sharedDomain.Payload{"ok": true}, nil
	}
	var terminal []domain.SagaStatus
	var mu sync.Mutex
	def := domain.Definition{Name: "async", Steps: []domain.StepDefinition{a}, OnTerminal: func(ctx context.Context, inst *domain.SagaInstance) {
		mu.Lock()
		terminal = append(terminal, inst.Status)
		mu.Unlock()
	}}
	cache := mocks.NewDummyCache()
	orch, _ := newTestOrchestrator(t, []Option{WithDetailCache(cache, time.Minute)}, def)

	inst, err := orch.Start(context.Background(), "async", nil, WithSagaID("saga-async"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, inst.Status)

	close(release)
	orch.Wait()

	detail, err := orch.GetSagaDetail(context.Background(), "saga-async")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, detail.Instance.Status)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, []domain.SagaStatus{domain.StatusCompleted}, terminal)

	// El detalle terminal se sirve desde la caché en la segunda lectura.
	_, err = orch.GetSagaDetail(context.Background(), "saga-async")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Sets)
	assert.Equal(t, 1, cache.Hits)
}

func TestOrchestrator_RecoverInFlight(t *testing.T) {
	calls := &callLog{}
	def := domain.Definition{Name: "two", Steps: []domain.StepDefinition{
		testStep(calls, "a", false, false),
		testStep(calls, "b", false, false),
	}}
	orch, repo := newTestOrchestrator(t, nil, def)

	inflight := domain.NewSagaInstance("saga-inflight", "two", 2, nil, 0, time.Now())
	inflight.Checkpoint.CompleteStep(0, "a", nil)
	inflight.CurrentStep = 1
	repo.Put(inflight)
	repo.Put(domain.NewSagaInstance("saga-orphan", "unregistered", 1, nil, 0, time.Now()))

	n, err := orch.RecoverInFlight(context.Background())
	require.NoError(t, err)
	orch.Wait()

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"do:b"}, calls.list())
	stored, _ := repo.GetInstance(context.Background(), "saga-inflight")
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestOrchestrator_ShutdownLeavesSagaResumable(t *testing.T) {
	started := make(chan struct{})
	def := domain.Definition{Name: "blocking", Steps: []domain.StepDefinition{{
		Name: "wait",
		Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}}
	orch, repo := newTestOrchestrator(t, nil, def)

	_, err := orch.Start(context.Background(), "blocking", nil, WithSagaID("saga-shutdown"))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Shutdown(ctx))

	stored, _ := repo.GetInstance(context.Background(), "saga-shutdown")
	assert.Equal(t, domain.StatusRunning, stored.Status)
	assert.Empty(t, repo.DeadLettersForSaga("saga-shutdown"))
}
