package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/saga/domain"
)

// DeadLetterService expone las operaciones manuales sobre el almacén de dead letters.
type DeadLetterService struct {
	repo         domain.DeadLetterRepository
	orchestrator *Orchestrator
	log          *zap.Logger
	now          func() time.Time
}

func NewDeadLetterService(repo domain.DeadLetterRepository, orchestrator *Orchestrator, log *zap.Logger) *DeadLetterService {
	return &DeadLetterService{
		repo:         repo,
		orchestrator: orchestrator,
		log:          log.With(zap.String("component", "dead-letters")),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *DeadLetterService) ListDeadLetters(ctx context.Context, f domain.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	f.Pagination = f.Pagination.Normalize()
	return s.repo.ListDeadLetters(ctx, f)
}

func (s *DeadLetterService) GetDeadLetter(ctx context.Context, id uuid.UUID) (*domain.DeadLetter, error) {
	return s.repo.GetDeadLetter(ctx, id)
}

// RetryResult es el resultado de reejecutar un dead letter.
type RetryResult struct {
	DeadLetter *domain.DeadLetter   `json:"deadLetter"`
	Saga       *domain.SagaInstance `json:"saga,omitempty"`
}

// RetryDeadLetter reejecuta la entrada original con el mismo sagaType bajo un
// sagaId derivado y anota el resultado en el dead letter. El reintento no
// genera dead letters nuevos.
func (s *DeadLetterService) RetryDeadLetter(ctx context.Context, id uuid.UUID) (*RetryResult, error) {
	dl, err := s.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.IsResolved() {
		return nil, domain.ErrDeadLetterResolved
	}
	if !dl.Retryable {
		return nil, domain.ErrDeadLetterNotRetryable
	}

	now := s.now()
	dl.RetryCount++
	dl.LastRetryAt = &now
	if err := s.repo.UpdateDeadLetter(ctx, dl); err != nil {
		return nil, fmt.Errorf("recording retry attempt: %w", err)
	}

	retryID := fmt.Sprintf("%s-retry-%d", dl.SagaID, dl.RetryCount)
	s.log.Info("🔁 Reintentando dead letter",
		zap.String("dead_letter_id", dl.ID.String()),
		zap.String("saga_id", dl.SagaID),
		zap.String("retry_saga_id", retryID),
	)

	inst, execErr := s.orchestrator.Execute(ctx, dl.SagaType, dl.OriginalInput, WithSagaID(retryID), withoutEscalation())
	switch {
	case execErr != nil:
		dl.Resolution = fmt.Sprintf("retry %d (%s) could not run: %v", dl.RetryCount, retryID, execErr)
	case inst.Status == domain.StatusCompleted:
		dl.Resolve("retry", fmt.Sprintf("retried as %s: completed", retryID), s.now())
	default:
		dl.Resolution = fmt.Sprintf("retry %d (%s) ended %s: %s", dl.RetryCount, retryID, inst.Status, inst.Error)
	}
	if err := s.repo.UpdateDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		return nil, fmt.Errorf("recording retry outcome: %w", err)
	}
	return &RetryResult{DeadLetter: dl, Saga: inst}, execErr
}

// ResolveDeadLetter cierra manualmente un dead letter.
func (s *DeadLetterService) ResolveDeadLetter(ctx context.Context, id uuid.UUID, resolvedBy, resolution string) (*domain.DeadLetter, error) {
	dl, err := s.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.IsResolved() {
		return nil, domain.ErrDeadLetterResolved
	}
	dl.Resolve(resolvedBy, resolution, s.now())
	if err := s.repo.UpdateDeadLetter(ctx, dl); err != nil {
		return nil, err
	}
	s.log.Info("🩹 Dead letter resuelto", zap.String("dead_letter_id", dl.ID.String()), zap.String("resolved_by", resolvedBy))
	return dl, nil
}
