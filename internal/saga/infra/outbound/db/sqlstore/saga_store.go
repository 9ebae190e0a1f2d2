package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/saga/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
)

// SagaStore guarda instancias, pasos y dead letters en SQLite o Postgres.
// Las consultas usan "?" y se reescriben según el dialecto.
type SagaStore struct {
	db      *sql.DB
	dialect persistence.Dialect
}

func NewSagaStore(db *sql.DB, dialect persistence.Dialect) *SagaStore {
	return &SagaStore{db: db, dialect: dialect}
}

// Migrate crea las tablas si no existen.
func (s *SagaStore) Migrate(ctx context.Context) error {
	return persistence.Exec(ctx, s.db, schemaFor(s.dialect)...)
}

func (s *SagaStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SagaStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SagaStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

// ------------------ Instancias ------------------

const instanceColumns = `saga_id, saga_type, status, current_step, total_steps, input, output,
	checkpoint, error, cancel_requested, version, started_at, completed_at, timeout_at, updated_at`

func (s *SagaStore) CreateInstance(ctx context.Context, inst *domain.SagaInstance) error {
	res, err := s.exec(ctx,
		`INSERT INTO saga_instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (saga_id) DO NOTHING`,
		inst.ID, inst.SagaType, string(inst.Status), inst.CurrentStep, inst.TotalSteps,
		inst.Input, inst.Output, inst.Checkpoint, inst.Error, inst.CancelRequested, inst.Version,
		inst.StartedAt.UTC(), persistence.NullTime(inst.CompletedAt), persistence.NullTime(inst.TimeoutAt), inst.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert saga %s: %w", inst.ID, err)
	}
	return persistence.RowsAffectedOne(res, domain.ErrSagaAlreadyExists)
}

func (s *SagaStore) GetInstance(ctx context.Context, id string) (*domain.SagaInstance, error) {
	row := s.queryRow(ctx, `SELECT `+instanceColumns+` FROM saga_instances WHERE saga_id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", id, err)
	}
	return inst, nil
}

// UpdateInstance no escribe cancel_requested: ese flag solo lo pone RequestCancel.
func (s *SagaStore) UpdateInstance(ctx context.Context, inst *domain.SagaInstance, expected domain.SagaStatus) error {
	res, err := s.exec(ctx,
		`UPDATE saga_instances
		 SET status = ?, current_step = ?, output = ?, checkpoint = ?, error = ?,
		     version = version + 1, completed_at = ?, updated_at = ?
		 WHERE saga_id = ? AND status = ? AND version = ?`,
		string(inst.Status), inst.CurrentStep, inst.Output, inst.Checkpoint, inst.Error,
		persistence.NullTime(inst.CompletedAt), inst.UpdatedAt.UTC(),
		inst.ID, string(expected), inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga %s: %w", inst.ID, err)
	}
	if err := persistence.RowsAffectedOne(res, domain.ErrConcurrentUpdate); err != nil {
		return err
	}
	inst.Version++
	return nil
}

func (s *SagaStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE saga_instances SET cancel_requested = ? WHERE saga_id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("cancel saga %s: %w", id, err)
	}
	return persistence.RowsAffectedOne(res, domain.ErrSagaNotFound)
}

func (s *SagaStore) ListByStatus(ctx context.Context, statuses []domain.SagaStatus, limit int) ([]*domain.SagaInstance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, limit)

	rows, err := s.query(ctx,
		`SELECT `+instanceColumns+` FROM saga_instances
		 WHERE status IN (`+persistence.Placeholders(len(statuses))+`)
		 ORDER BY started_at LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	var out []*domain.SagaInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row scanner) (*domain.SagaInstance, error) {
	var (
		inst                   domain.SagaInstance
		status                 string
		completedAt, timeoutAt sql.NullTime
	)
	if err := row.Scan(
		&inst.ID, &inst.SagaType, &status, &inst.CurrentStep, &inst.TotalSteps,
		&inst.Input, &inst.Output, &inst.Checkpoint, &inst.Error, &inst.CancelRequested, &inst.Version,
		&inst.StartedAt, &completedAt, &timeoutAt, &inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	inst.Status = domain.SagaStatus(status)
	inst.StartedAt = inst.StartedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	inst.CompletedAt = persistence.TimePtr(completedAt)
	inst.TimeoutAt = persistence.TimePtr(timeoutAt)
	return &inst, nil
}

// ------------------ Pasos ------------------

const stepColumns = `step_id, saga_id, step_index, step_name, step_type, status, input, output,
	error, retry_count, started_at, completed_at`

func (s *SagaStore) SaveStep(ctx context.Context, step *domain.SagaStep) error {
	_, err := s.exec(ctx,
		`INSERT INTO saga_steps (`+stepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (step_id) DO UPDATE SET
		     status = excluded.status,
		     output = excluded.output,
		     error = excluded.error,
		     retry_count = excluded.retry_count,
		     completed_at = excluded.completed_at`,
		step.ID.String(), step.SagaID, step.StepIndex, step.StepName, string(step.StepType), string(step.Status),
		step.Input, step.Output, step.Error, step.RetryCount,
		step.StartedAt.UTC(), persistence.NullTime(step.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save step %s/%s: %w", step.SagaID, step.StepName, err)
	}
	return nil
}

// ListSteps devuelve los pasos en orden de ejecución: acciones por índice y
// después las compensaciones en orden inverso.
func (s *SagaStore) ListSteps(ctx context.Context, sagaID string) ([]*domain.SagaStep, error) {
	rows, err := s.query(ctx,
		`SELECT `+stepColumns+` FROM saga_steps WHERE saga_id = ?
		 ORDER BY CASE step_type WHEN 'action' THEN 0 ELSE 1 END,
		          CASE WHEN step_type = 'action' THEN step_index ELSE -step_index END,
		          started_at`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("list steps %s: %w", sagaID, err)
	}
	defer rows.Close()

	var out []*domain.SagaStep
	for rows.Next() {
		var (
			st                 domain.SagaStep
			idStr, typ, status string
			completedAt        sql.NullTime
		)
		if err := rows.Scan(&idStr, &st.SagaID, &st.StepIndex, &st.StepName, &typ, &status,
			&st.Input, &st.Output, &st.Error, &st.RetryCount, &st.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID in saga_steps: %w", err)
		}
		st.ID = id
		st.StepType = domain.StepType(typ)
		st.Status = domain.StepStatus(status)
		st.StartedAt = st.StartedAt.UTC()
		st.CompletedAt = persistence.TimePtr(completedAt)
		out = append(out, &st)
	}
	return out, rows.Err()
}

var (
	_ domain.SagaRepository       = (*SagaStore)(nil)
	_ domain.DeadLetterRepository = (*SagaStore)(nil)
)
