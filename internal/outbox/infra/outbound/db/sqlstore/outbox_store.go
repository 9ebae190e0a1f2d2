package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
)

// OutboxStore implementa el almacén de eventos y de rutas sobre SQLite o Postgres.
type OutboxStore struct {
	db            *sql.DB
	dialect       persistence.Dialect
	notifyChannel string
}

var (
	_ domain.OutboxRepository  = (*OutboxStore)(nil)
	_ domain.RoutingRepository = (*OutboxStore)(nil)
)

func NewOutboxStore(db *sql.DB, dialect persistence.Dialect, notifyChannel string) *OutboxStore {
	return &OutboxStore{db: db, dialect: dialect, notifyChannel: notifyChannel}
}

// Migrate crea las tablas del outbox (y el trigger de NOTIFY en Postgres).
func (s *OutboxStore) Migrate(ctx context.Context) error {
	return persistence.Exec(ctx, s.db, schemaFor(s.dialect, s.notifyChannel)...)
}

func (s *OutboxStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *OutboxStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

// ------------------ Inserción ------------------

const eventColumns = `event_id, event_type, aggregate_type, aggregate_id, payload, metadata, status,
	retry_count, max_retries, last_error, next_attempt_at, published_at, published_via, created_at, updated_at`

const insertEvent = `INSERT INTO outbox_events (` + eventColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertArgs(e *domain.OutboxEvent) []interface{} {
	return []interface{}{
		e.ID.String(), e.EventType, e.AggregateType, e.AggregateID, e.Payload, e.Metadata, string(e.Status),
		e.RetryCount, e.MaxRetries, e.LastError, e.NextAttemptAt.UTC(), persistence.NullTime(e.PublishedAt),
		string(e.PublishedVia), e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	}
}

func (s *OutboxStore) Insert(ctx context.Context, evt *domain.OutboxEvent) error {
	if _, err := s.exec(ctx, insertEvent, insertArgs(evt)...); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (s *OutboxStore) InsertTx(ctx context.Context, tx *persistence.Tx, evt *domain.OutboxEvent) error {
	if _, err := tx.ExecContext(ctx, insertEvent, insertArgs(evt)...); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// ------------------ Lectura ------------------

func (s *OutboxStore) Get(ctx context.Context, id uuid.UUID) (*domain.OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+eventColumns+` FROM outbox_events WHERE event_id = ?`), id.String())
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox event %s: %w", id, err)
	}
	return evt, nil
}

func (s *OutboxStore) List(ctx context.Context, f domain.EventFilter) ([]*domain.OutboxEvent, error) {
	where, args := persistence.Where(sharedDomain.Eq("status", string(f.Status)).Eq("event_type", f.EventType))
	page := f.Pagination.Normalize()
	args = append(args, page.Limit, page.Offset)
	return s.list(ctx, `SELECT `+eventColumns+` FROM outbox_events`+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
}

func (s *OutboxStore) FetchPending(ctx context.Context, q domain.PendingQuery) ([]*domain.OutboxEvent, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + eventColumns + ` FROM outbox_events WHERE status = ? AND next_attempt_at <= ?`)
	args := []interface{}{string(domain.StatusPending), q.Now.UTC()}

	if len(q.EventTypes) > 0 {
		b.WriteString(` AND event_type IN (` + persistence.Placeholders(len(q.EventTypes)) + `)`)
		for _, t := range q.EventTypes {
			args = append(args, t)
		}
	}
	if len(q.ExcludeTypes) > 0 {
		b.WriteString(` AND event_type NOT IN (` + persistence.Placeholders(len(q.ExcludeTypes)) + `)`)
		for _, t := range q.ExcludeTypes {
			args = append(args, t)
		}
	}
	if q.CreatedBefore != nil {
		b.WriteString(` AND created_at < ?`)
		args = append(args, q.CreatedBefore.UTC())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = domain.DefaultPollingBatchSize
	}
	b.WriteString(` ORDER BY created_at LIMIT ?`)
	args = append(args, limit)

	return s.list(ctx, b.String(), args...)
}

func (s *OutboxStore) list(ctx context.Context, query string, args ...interface{}) ([]*domain.OutboxEvent, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*domain.OutboxEvent, error) {
	var (
		evt                domain.OutboxEvent
		idStr, status, via string
		publishedAt        sql.NullTime
	)
	if err := row.Scan(&idStr, &evt.EventType, &evt.AggregateType, &evt.AggregateID, &evt.Payload, &evt.Metadata,
		&status, &evt.RetryCount, &evt.MaxRetries, &evt.LastError, &evt.NextAttemptAt, &publishedAt, &via,
		&evt.CreatedAt, &evt.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in outbox_events: %w", err)
	}
	evt.ID = id
	evt.Status = domain.Status(status)
	evt.PublishedVia = domain.DeliveryPath(via)
	evt.PublishedAt = persistence.TimePtr(publishedAt)
	evt.NextAttemptAt = evt.NextAttemptAt.UTC()
	evt.CreatedAt = evt.CreatedAt.UTC()
	evt.UpdatedAt = evt.UpdatedAt.UTC()
	return &evt, nil
}

// ------------------ Transiciones (CAS sobre status) ------------------

// casResult traduce "0 filas" en ErrEventNotFound o ErrStatusConflict.
func (s *OutboxStore) casResult(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrStatusConflict
}

func (s *OutboxStore) MarkProcessing(ctx context.Context, id uuid.UUID, now time.Time) (*domain.OutboxEvent, error) {
	res, err := s.exec(ctx,
		`UPDATE outbox_events SET status = ?, updated_at = ? WHERE event_id = ? AND status = ?`,
		string(domain.StatusProcessing), now.UTC(), id.String(), string(domain.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("claim outbox event %s: %w", id, err)
	}
	if err := s.casResult(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id uuid.UUID, via domain.DeliveryPath, now time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE outbox_events SET status = ?, published_at = ?, published_via = ?, last_error = '', updated_at = ?
		 WHERE event_id = ? AND status = ?`,
		string(domain.StatusPublished), now.UTC(), string(via), now.UTC(), id.String(), string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("publish outbox event %s: %w", id, err)
	}
	return s.casResult(ctx, res, id)
}

func (s *OutboxStore) RecordFailure(ctx context.Context, id uuid.UUID, next domain.Status, retryCount int, lastError string, nextAttemptAt, now time.Time) error {
	if next != domain.StatusPending && next != domain.StatusFailed {
		return fmt.Errorf("record failure: invalid next status %q", next)
	}
	res, err := s.exec(ctx,
		`UPDATE outbox_events SET status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE event_id = ? AND status = ?`,
		string(next), retryCount, lastError, nextAttemptAt.UTC(), now.UTC(), id.String(), string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("record failure %s: %w", id, err)
	}
	return s.casResult(ctx, res, id)
}

func (s *OutboxStore) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE outbox_events SET status = ?, retry_count = 0, last_error = '', next_attempt_at = ?, updated_at = ?
		 WHERE event_id = ? AND status = ?`,
		string(domain.StatusPending), now.UTC(), now.UTC(), id.String(), string(domain.StatusFailed))
	if err != nil {
		return fmt.Errorf("requeue outbox event %s: %w", id, err)
	}
	return s.casResult(ctx, res, id)
}

func (s *OutboxStore) RequeueAllFailed(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE outbox_events SET status = ?, retry_count = 0, last_error = '', next_attempt_at = ?, updated_at = ?
		 WHERE status = ?`,
		string(domain.StatusPending), now.UTC(), now.UTC(), string(domain.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("requeue failed events: %w", err)
	}
	return res.RowsAffected()
}

func (s *OutboxStore) FindStuck(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	rows, err := s.query(ctx,
		`SELECT event_id FROM outbox_events WHERE status = ? AND updated_at < ?`,
		string(domain.StatusProcessing), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("find stuck events: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetStuck recupera cada fila con su propio CAS: una entrega que termina
// entre FindStuck y el UPDATE gana.
func (s *OutboxStore) ResetStuck(ctx context.Context, ids []uuid.UUID, olderThan, now time.Time) ([]uuid.UUID, error) {
	var reset []uuid.UUID
	for _, id := range ids {
		res, err := s.exec(ctx,
			`UPDATE outbox_events SET status = ?, updated_at = ? WHERE event_id = ? AND status = ? AND updated_at < ?`,
			string(domain.StatusPending), now.UTC(), id.String(), string(domain.StatusProcessing), olderThan.UTC())
		if err != nil {
			return reset, fmt.Errorf("reset stuck event %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reset = append(reset, id)
		}
	}
	return reset, nil
}

func (s *OutboxStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM outbox_events WHERE status = ? AND published_at < ?`,
		string(domain.StatusPublished), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup published events: %w", err)
	}
	return res.RowsAffected()
}
