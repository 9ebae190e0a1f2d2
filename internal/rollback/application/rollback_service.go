package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/rollback/domain"
	sagaApp "github.com/davicafu/fleetguard/internal/saga/application"
	sagaDomain "github.com/davicafu/fleetguard/internal/saga/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
)

// SagaStarter arranca una saga en segundo plano.
type SagaStarter interface {
	Start(ctx context.Context, sagaType string, input sharedDomain.Payload, opts ...sagaApp.ExecOption) (*sagaDomain.SagaInstance, error)
}

type RollbackService struct {
	repo      domain.ExecutionRepository
	sagas     SagaStarter
	batchSize int
	log       *zap.Logger
	now       func() time.Time
}

type ServiceOption func(*RollbackService)

// WithDefaultBatchSize se aplica a las peticiones que no indican batchSize.
func WithDefaultBatchSize(n int) ServiceOption {
	return func(s *RollbackService) {
		if n > 0 && n <= domain.MaxBatchSize {
			s.batchSize = n
		}
	}
}

func NewRollbackService(repo domain.ExecutionRepository, sagas SagaStarter, log *zap.Logger, opts ...ServiceOption) *RollbackService {
	s := &RollbackService{
		repo:      repo,
		sagas:     sagas,
		batchSize: domain.DefaultBatchSize,
		log:       log.With(zap.String("component", "rollback-service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteRollback valida la petición, crea la ejecución y arranca su saga.
// Devuelve la ejecución en running; el progreso se consulta con GetExecution.
func (s *RollbackService) ExecuteRollback(ctx context.Context, req domain.RollbackRequest) (*domain.RollbackExecution, error) {
	if req.BatchSize == 0 {
		req.BatchSize = s.batchSize
	}
	exec, err := domain.NewRollbackExecution(req, s.now())
	if err != nil {
		return nil, err
	}
	input, err := inputFor(exec)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, exec); err != nil {
		return nil, err
	}

	if _, err := s.sagas.Start(ctx, exec.TargetType.SagaType(), input, sagaApp.WithSagaID(exec.SagaID)); err != nil {
		exec.Result = sharedDomain.Payload{"error": err.Error()}
		exec.Finish(domain.StatusFailed, s.now())
		if uerr := s.repo.Update(context.WithoutCancel(ctx), exec); uerr != nil {
			s.log.Error("No se pudo marcar la ejecución como fallida", zap.String("execution_id", exec.ID.String()), zap.Error(uerr))
		}
		return nil, fmt.Errorf("starting rollback saga: %w", err)
	}

	s.log.Info("⏪ Rollback iniciado",
		zap.String("execution_id", exec.ID.String()),
		zap.String("saga_id", exec.SagaID),
		zap.String("target", string(exec.TargetType)+"/"+exec.TargetID),
		zap.String("from", exec.FromVersion),
		zap.String("to", exec.ToVersion),
	)
	return exec, nil
}

func (s *RollbackService) GetExecution(ctx context.Context, id uuid.UUID) (*domain.RollbackExecution, error) {
	return s.repo.Get(ctx, id)
}

func (s *RollbackService) ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]*domain.RollbackExecution, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, f.Status)
	}
	f.Pagination = f.Pagination.Normalize()
	return s.repo.List(ctx, f)
}
