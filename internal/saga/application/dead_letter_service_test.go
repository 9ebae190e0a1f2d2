package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/saga/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
)

func toggledDefinition(broken *atomic.Bool) domain.Definition {
	return domain.Definition{Name: "toggle", Steps: []domain.StepDefinition{{
		Name: "only",
		Action: func(ctx context.Context, sc *domain.StepContext) (sharedDomain.Payload, error) {
			if broken.Load() {
				return nil, errors.New("downstream unavailable")
			}
			return sharedDomain.Payload{"target": sc.Input.String("target")}, nil
		},
	}}}
}

func TestDeadLetterService_RetryResolvesOnSuccess(t *testing.T) {
	// ARRANGE
	broken := atomic.NewBool(true)
	orch, repo := newTestOrchestrator(t, nil, toggledDefinition(broken))
	svc := NewDeadLetterService(repo, orch, zap.NewNop())

	inst, err := orch.Execute(context.Background(), "toggle", sharedDomain.Payload{"target": "RULE-1"}, WithSagaID("orig"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, inst.Status)
	dls, err := svc.ListDeadLetters(context.Background(), domain.DeadLetterFilter{UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, dls, 1)

	// ACT
	broken.Store(false)
	res, err := svc.RetryDeadLetter(context.Background(), dls[0].ID)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, "orig-retry-1", res.Saga.ID)
	assert.Equal(t, domain.StatusCompleted, res.Saga.Status)
	assert.Equal(t, "RULE-1", res.Saga.Output.String("target"))
	assert.True(t, res.DeadLetter.IsResolved())
	assert.Equal(t, "retry", res.DeadLetter.ResolvedBy)
	assert.Equal(t, 1, res.DeadLetter.RetryCount)
	assert.NotNil(t, res.DeadLetter.LastRetryAt)

	_, err = svc.RetryDeadLetter(context.Background(), dls[0].ID)
	assert.ErrorIs(t, err, domain.ErrDeadLetterResolved)
}

func TestDeadLetterService_FailedRetryIsRecordedWithoutNewDeadLetter(t *testing.T) {
	broken := atomic.NewBool(true)
	orch, repo := newTestOrchestrator(t, nil, toggledDefinition(broken))
	svc := NewDeadLetterService(repo, orch, zap.NewNop())

	_, err := orch.Execute(context.Background(), "toggle", nil, WithSagaID("orig"))
	require.NoError(t, err)
	dl := repo.DeadLettersForSaga("orig")[0]

	res, err := svc.RetryDeadLetter(context.Background(), dl.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Saga.Status)
	assert.False(t, res.DeadLetter.IsResolved())
	assert.Contains(t, res.DeadLetter.Resolution, "downstream unavailable")
	assert.Empty(t, repo.DeadLettersForSaga("orig-retry-1"))
	assert.Len(t, repo.DeadLetters, 1)
}

func TestDeadLetterService_NonRetryable(t *testing.T) {
	orch, repo := newTestOrchestrator(t, nil)
	svc := NewDeadLetterService(repo, orch, zap.NewNop())

	inst := domain.NewSagaInstance("p-1", "toggle", 1, nil, 0, orch.now())
	dl := domain.NewDeadLetter(inst, domain.FailureCompensationFailed, orch.now())
	require.NoError(t, repo.CreateDeadLetter(context.Background(), dl))

	_, err := svc.RetryDeadLetter(context.Background(), dl.ID)
	assert.ErrorIs(t, err, domain.ErrDeadLetterNotRetryable)

	resolved, err := svc.ResolveDeadLetter(context.Background(), dl.ID, "ops@plant", "devices reverted by hand")
	require.NoError(t, err)
	assert.Equal(t, "ops@plant", resolved.ResolvedBy)

	_, err = svc.ResolveDeadLetter(context.Background(), dl.ID, "ops@plant", "again")
	assert.ErrorIs(t, err, domain.ErrDeadLetterResolved)
}
