package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
)

// LedgerStore es el ledger de deduplicación en la tabla outbox_processed_events.
type LedgerStore struct {
	db      *sql.DB
	dialect persistence.Dialect
}

var _ domain.Ledger = (*LedgerStore)(nil)

func NewLedgerStore(db *sql.DB, dialect persistence.Dialect) *LedgerStore {
	return &LedgerStore{db: db, dialect: dialect}
}

// Claim inserta la reclamación, o la sobrescribe solo si la existente ya
// caducó. Una fila afectada significa que esta llamada ganó.
func (l *LedgerStore) Claim(ctx context.Context, p domain.ProcessedEvent) (bool, error) {
	res, err := l.db.ExecContext(ctx, l.dialect.Rebind(
		`INSERT INTO outbox_processed_events (event_id, consumer_group, processed_at, expires_at, metadata)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (event_id, consumer_group) DO UPDATE SET
		     processed_at = excluded.processed_at,
		     expires_at = excluded.expires_at,
		     metadata = excluded.metadata
		 WHERE outbox_processed_events.expires_at <= excluded.processed_at`),
		p.EventID.String(), p.ConsumerGroup, p.ProcessedAt.UTC(), p.ExpiresAt.UTC(), p.Metadata,
	)
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", p.EventID, p.ConsumerGroup, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Lookup devuelve la fila guardada aunque haya caducado; PurgeExpired las borra.
func (l *LedgerStore) Lookup(ctx context.Context, eventID uuid.UUID, consumerGroup string) (*domain.ProcessedEvent, error) {
	var p domain.ProcessedEvent
	err := l.db.QueryRowContext(ctx, l.dialect.Rebind(
		`SELECT processed_at, expires_at, metadata FROM outbox_processed_events
		 WHERE event_id = ? AND consumer_group = ?`),
		eventID.String(), consumerGroup,
	).Scan(&p.ProcessedAt, &p.ExpiresAt, &p.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", eventID, consumerGroup, err)
	}
	p.EventID = eventID
	p.ConsumerGroup = consumerGroup
	p.ProcessedAt = p.ProcessedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return &p, nil
}

// Confirm marca la reclamación como enviada sin tocar su caducidad.
func (l *LedgerStore) Confirm(ctx context.Context, eventID uuid.UUID, consumerGroup string) error {
	p, err := l.Lookup(ctx, eventID, consumerGroup)
	if err != nil {
		return err
	}
	if p == nil {
		return domain.ErrClaimNotFound
	}
	p.MarkSent()
	res, err := l.db.ExecContext(ctx, l.dialect.Rebind(
		`UPDATE outbox_processed_events SET metadata = ? WHERE event_id = ? AND consumer_group = ?`),
		p.Metadata, eventID.String(), consumerGroup)
	if err != nil {
		return fmt.Errorf("confirm %s/%s: %w", eventID, consumerGroup, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrClaimNotFound
	}
	return nil
}

func (l *LedgerStore) Release(ctx context.Context, eventID uuid.UUID, consumerGroup string) error {
	_, err := l.db.ExecContext(ctx, l.dialect.Rebind(
		`DELETE FROM outbox_processed_events WHERE event_id = ? AND consumer_group = ?`),
		eventID.String(), consumerGroup)
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", eventID, consumerGroup, err)
	}
	return nil
}

func (l *LedgerStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.dialect.Rebind(
		`DELETE FROM outbox_processed_events WHERE expires_at <= ?`), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	return res.RowsAffected()
}
