package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/saga/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	sharedUtils "github.com/davicafu/fleetguard/shared/utils"
	"github.com/davicafu/fleetguard/tests/mocks"
)

func newTestExecutor(repo *mocks.InMemorySagaRepo, retries int, timeout time.Duration) *StepExecutor {
	return NewStepExecutor(repo, ExecutorConfig{
		Retry:   sharedUtils.RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond},
		Timeout: timeout,
	}, zap.NewNop())
}

func newStepContext(sagaID string) *domain.StepContext {
	inst := domain.NewSagaInstance(sagaID, "demo", 1, sharedDomain.Payload{}, 0, time.Now())
	return domain.NewStepContext(inst, 0, "step", nil)
}

func TestStepExecutor_RetriesUntilSuccess(t *testing.T) {
	repo := mocks.NewInMemorySagaRepo()
	exec := newTestExecutor(repo, 3, time.Second)

	attempts := 0
	step := domain.StepDefinition{Name: "flaky", Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
		attempts++
		assert.Equal(t, attempts, sc.Attempt)
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return sharedDomain.Payload{"done": true}, nil
	}}

	out, err := exec.RunAction(context.Background(), newStepContext("s-1"), step)

	require.NoError(t, err)
	assert.Equal(t, true, out["done"])
	assert.Equal(t, 3, attempts)

	rows, _ := repo.ListSteps(context.Background(), "s-1")
	require.Len(t, rows, 1, "retries reuse the same step row")
	assert.Equal(t, domain.StepCompleted, rows[0].Status)
	assert.Equal(t, 2, rows[0].RetryCount)
	assert.NotNil(t, rows[0].CompletedAt)
}

func TestStepExecutor_ExhaustsBudget(t *testing.T) {
	repo := mocks.NewInMemorySagaRepo()
	exec := newTestExecutor(repo, 2, time.Second)

	attempts := 0
	step := domain.StepDefinition{Name: "broken", Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
		attempts++
		return nil, errors.New("device offline")
	}}

	_, err := exec.RunAction(context.Background(), newStepContext("s-2"), step)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "broken", stepErr.Step)
	assert.Equal(t, 3, stepErr.Attempts)
	assert.Equal(t, 3, attempts)

	rows, _ := repo.ListSteps(context.Background(), "s-2")
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StepFailed, rows[0].Status)
	assert.Equal(t, "device offline", rows[0].Error)
}

func TestStepExecutor_PermanentErrorStopsRetries(t *testing.T) {
	repo := mocks.NewInMemorySagaRepo()
	exec := newTestExecutor(repo, 5, time.Second)

	attempts := 0
	step := domain.StepDefinition{Name: "invalid", Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
		attempts++
		return nil, sharedUtils.Permanent(errors.New("unknown device"))
	}}

	_, err := exec.RunAction(context.Background(), newStepContext("s-3"), step)

	require.Error(t, err)
	assert.ErrorIs(t, err, sharedUtils.ErrPermanent)
	assert.Equal(t, 1, attempts)
}

func TestStepExecutor_StepTimeoutCancelsTheAttempt(t *testing.T) {
	repo := mocks.NewInMemorySagaRepo()
	exec := newTestExecutor(repo, 0, time.Second)

	step := domain.StepDefinition{
		Name:    "hangs",
		Timeout: 20 * time.Millisecond,
		Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return sharedDomain.Payload{"late": true}, nil
			}
		},
	}

	start := time.Now()
	_, err := exec.RunAction(context.Background(), newStepContext("s-4"), step)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// Un intento que ignora su contexto sigue hasta el final, pero el reintento no
// empieza hasta que termina: nunca hay dos intentos sobre el mismo checkpoint.
func TestStepExecutor_TimedOutAttemptNeverOverlapsRetry(t *testing.T) {
	repo := mocks.NewInMemorySagaRepo()
	exec := newTestExecutor(repo, 1, time.Second)

	var running, maxRunning, attempts atomic.Int32
	step := domain.StepDefinition{
		Name:    "slow_apply",
		Timeout: 10 * time.Millisecond,
		Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
			n := running.Inc()
			defer running.Dec()
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			attempt := attempts.Inc()
			time.Sleep(40 * time.Millisecond) // ignora el contexto a propósito
			sc.Checkpoint.MarkProcessed(fmt.Sprintf("dev-%d", attempt))
			return nil, sc.Save(context.Background())
		},
	}

	inst := domain.NewSagaInstance("s-7", "demo", 1, sharedDomain.Payload{}, 0, time.Now())
	saves := 0
	sc := domain.NewStepContext(inst, 0, "slow_apply", func(ctx context.Context) error {
		saves++
		return nil
	})

	_, err := exec.RunAction(context.Background(), sc, step)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 2, attempts.Load())
	assert.EqualValues(t, 1, maxRunning.Load())
	assert.Zero(t, running.Load(), "no attempt may outlive RunAction")
	// Lo que hicieron los intentos vencidos queda en el checkpoint para compensar.
	assert.ElementsMatch(t, []string{"dev-1", "dev-2"}, inst.Checkpoint.Processed)
	assert.Equal(t, 2, saves)
}

func TestStepExecutor_PanicBecomesError(t *testing.T) {
	repo := mocks.NewInMemorySagaRepo()
	exec := newTestExecutor(repo, 0, time.Second)

	step := domain.StepDefinition{Name: "panics", Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
		panic("nil map")
	}}

	_, err := exec.RunAction(context.Background(), newStepContext("s-5"), step)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestStepExecutor_NilCompensationIsRecorded(t *testing.T) {
	repo := mocks.NewInMemorySagaRepo()
	exec := newTestExecutor(repo, 0, time.Second)

	err := exec.RunCompensation(context.Background(), newStepContext("s-6"), domain.StepDefinition{Name: "readonly"})

	require.NoError(t, err)
	rows, _ := repo.ListSteps(context.Background(), "s-6")
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StepCompensation, rows[0].StepType)
	assert.Equal(t, domain.StepCompleted, rows[0].Status)
}
