package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/rollback/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
)

// ExecutionStore guarda las ejecuciones de rollback. Comparte la base de
// datos con el outbox para que el resultado y su evento se escriban juntos.
type ExecutionStore struct {
	db      *sql.DB
	dialect persistence.Dialect
}

func NewExecutionStore(db *sql.DB, dialect persistence.Dialect) *ExecutionStore {
	return &ExecutionStore{db: db, dialect: dialect}
}

func (s *ExecutionStore) Migrate(ctx context.Context) error {
	return persistence.Exec(ctx, s.db, schemaFor(s.dialect)...)
}

// RunInTx abre una transacción sobre la misma base de datos.
func (s *ExecutionStore) RunInTx(ctx context.Context, fn func(tx *persistence.Tx) error) error {
	return persistence.RunInTx(ctx, s.db, s.dialect, fn)
}

const executionColumns = `execution_id, saga_id, trigger_id, target_type, target_id, from_version, to_version,
	trigger_reason, status, total_devices, completed_devices, failed_devices, checkpoint, result,
	stop_on_error, batch_size, device_codes, started_at, completed_at, updated_at`

func (s *ExecutionStore) Create(ctx context.Context, e *domain.RollbackExecution) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO rollback_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		e.ID.String(), e.SagaID, e.TriggerID, string(e.TargetType), e.TargetID, e.FromVersion, e.ToVersion,
		e.TriggerReason, string(e.Status), e.TotalDevices, e.CompletedDevices, e.FailedDevices, e.Checkpoint, e.Result,
		e.StopOnError, e.BatchSize, e.DeviceCodes, e.StartedAt.UTC(), persistence.NullTime(e.CompletedAt), e.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert rollback execution %s: %w", e.ID, err)
	}
	return persistence.RowsAffectedOne(res, domain.ErrExecutionExists)
}

const updateExecution = `UPDATE rollback_executions
	SET status = ?, total_devices = ?, completed_devices = ?, failed_devices = ?,
	    checkpoint = ?, result = ?, completed_at = ?, updated_at = ?
	WHERE execution_id = ?`

func updateArgs(e *domain.RollbackExecution) []interface{} {
	return []interface{}{
		string(e.Status), e.TotalDevices, e.CompletedDevices, e.FailedDevices,
		e.Checkpoint, e.Result, persistence.NullTime(e.CompletedAt), e.UpdatedAt.UTC(),
		e.ID.String(),
	}
}

func (s *ExecutionStore) Update(ctx context.Context, e *domain.RollbackExecution) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(updateExecution), updateArgs(e)...)
	if err != nil {
		return fmt.Errorf("update rollback execution %s: %w", e.ID, err)
	}
	return persistence.RowsAffectedOne(res, domain.ErrExecutionNotFound)
}

func (s *ExecutionStore) UpdateTx(ctx context.Context, tx *persistence.Tx, e *domain.RollbackExecution) error {
	res, err := tx.ExecContext(ctx, updateExecution, updateArgs(e)...)
	if err != nil {
		return fmt.Errorf("update rollback execution %s: %w", e.ID, err)
	}
	return persistence.RowsAffectedOne(res, domain.ErrExecutionNotFound)
}

func (s *ExecutionStore) Get(ctx context.Context, id uuid.UUID) (*domain.RollbackExecution, error) {
	return s.getBy(ctx, "execution_id", id.String())
}

func (s *ExecutionStore) GetBySagaID(ctx context.Context, sagaID string) (*domain.RollbackExecution, error) {
	return s.getBy(ctx, "saga_id", sagaID)
}

func (s *ExecutionStore) getBy(ctx context.Context, column, value string) (*domain.RollbackExecution, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+executionColumns+` FROM rollback_executions WHERE `+column+` = ?`), value)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rollback execution %s: %w", value, err)
	}
	return e, nil
}

func (s *ExecutionStore) List(ctx context.Context, f domain.ExecutionFilter) ([]*domain.RollbackExecution, error) {
	where, args := persistence.Where(sharedDomain.
		Eq("status", string(f.Status)).
		Eq("target_type", string(f.TargetType)).
		Eq("target_id", f.TargetID))
	page := f.Pagination.Normalize()
	args = append(args, page.Limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+executionColumns+` FROM rollback_executions`+where+`
		ORDER BY started_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("list rollback executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.RollbackExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*domain.RollbackExecution, error) {
	var (
		e           domain.RollbackExecution
		id          string
		targetType  string
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(&id, &e.SagaID, &e.TriggerID, &targetType, &e.TargetID, &e.FromVersion, &e.ToVersion,
		&e.TriggerReason, &status, &e.TotalDevices, &e.CompletedDevices, &e.FailedDevices, &e.Checkpoint, &e.Result,
		&e.StopOnError, &e.BatchSize, &e.DeviceCodes, &e.StartedAt, &completedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("rollback execution id %q: %w", id, err)
	}
	e.TargetType = domain.TargetType(targetType)
	e.Status = domain.ExecutionStatus(status)
	e.CompletedAt = persistence.TimePtr(completedAt)
	e.StartedAt = e.StartedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
