package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/saga/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
)

const deadLetterColumns = `dead_letter_id, saga_id, saga_type, failure_reason, failure_type, original_input,
	last_checkpoint, retryable, retry_count, last_retry_at, resolved_at, resolved_by, resolution, created_at`

func (s *SagaStore) CreateDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	res, err := s.exec(ctx,
		`INSERT INTO saga_dead_letters (`+deadLetterColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (saga_id) DO NOTHING`,
		dl.ID.String(), dl.SagaID, dl.SagaType, dl.FailureReason, string(dl.FailureType), dl.OriginalInput,
		dl.LastCheckpoint, dl.Retryable, dl.RetryCount, persistence.NullTime(dl.LastRetryAt),
		persistence.NullTime(dl.ResolvedAt), dl.ResolvedBy, dl.Resolution, dl.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter for %s: %w", dl.SagaID, err)
	}
	return persistence.RowsAffectedOne(res, domain.ErrDeadLetterExists)
}

func (s *SagaStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (*domain.DeadLetter, error) {
	row := s.queryRow(ctx, `SELECT `+deadLetterColumns+` FROM saga_dead_letters WHERE dead_letter_id = ?`, id.String())
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return dl, nil
}

func (s *SagaStore) ListDeadLetters(ctx context.Context, f domain.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	where, args := persistence.Where(sharedDomain.Eq("saga_type", f.SagaType))
	if f.UnresolvedOnly {
		if where == "" {
			where = " WHERE resolved_at IS NULL"
		} else {
			where += " AND resolved_at IS NULL"
		}
	}
	page := f.Pagination.Normalize()
	args = append(args, page.Limit, page.Offset)

	rows, err := s.query(ctx,
		`SELECT `+deadLetterColumns+` FROM saga_dead_letters`+where+`
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *SagaStore) UpdateDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	res, err := s.exec(ctx,
		`UPDATE saga_dead_letters
		 SET retry_count = ?, last_retry_at = ?, resolved_at = ?, resolved_by = ?, resolution = ?
		 WHERE dead_letter_id = ?`,
		dl.RetryCount, persistence.NullTime(dl.LastRetryAt), persistence.NullTime(dl.ResolvedAt),
		dl.ResolvedBy, dl.Resolution, dl.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update dead letter %s: %w", dl.ID, err)
	}
	return persistence.RowsAffectedOne(res, domain.ErrDeadLetterNotFound)
}

func scanDeadLetter(row scanner) (*domain.DeadLetter, error) {
	var (
		dl                      domain.DeadLetter
		idStr, failureType      string
		lastRetryAt, resolvedAt sql.NullTime
	)
	if err := row.Scan(&idStr, &dl.SagaID, &dl.SagaType, &dl.FailureReason, &failureType, &dl.OriginalInput,
		&dl.LastCheckpoint, &dl.Retryable, &dl.RetryCount, &lastRetryAt, &resolvedAt,
		&dl.ResolvedBy, &dl.Resolution, &dl.CreatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in saga_dead_letters: %w", err)
	}
	dl.ID = id
	dl.FailureType = domain.FailureType(failureType)
	dl.LastRetryAt = persistence.TimePtr(lastRetryAt)
	dl.ResolvedAt = persistence.TimePtr(resolvedAt)
	dl.CreatedAt = dl.CreatedAt.UTC()
	return &dl, nil
}
