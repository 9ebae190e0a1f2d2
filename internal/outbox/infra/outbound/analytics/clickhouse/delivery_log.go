package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

// DeliveryLog guarda el resultado de cada entrega del outbox en ClickHouse.
type DeliveryLog struct {
	db *sql.DB
}

var _ domain.DeliveryLog = (*DeliveryLog)(nil)

// Open conecta con ClickHouse y comprueba la conexión.
func Open(addr, dbName string) (*sql.DB, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: dbName},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}
	return conn, nil
}

func NewDeliveryLog(db *sql.DB) *DeliveryLog {
	return &DeliveryLog{db: db}
}

const insertDelivery = `INSERT INTO outbox_deliveries (event_id, event_type, aggregate_type, path, outcome, retry_count, latency_ms, error, event_time)`

// LogBatch inserta el lote entero o nada.
func (l *DeliveryLog) LogBatch(ctx context.Context, records []domain.DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertDelivery)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.EventID,
			rec.EventType,
			rec.AggregateType,
			string(rec.Path),
			string(rec.Outcome),
			uint32(rec.RetryCount),
			uint64(rec.Latency/time.Millisecond),
			rec.Error,
			rec.At,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to exec statement for event %s: %w", rec.EventID, err)
		}
	}
	return tx.Commit()
}

// OutcomeCount es una fila del resumen por tipo y resultado.
type OutcomeCount struct {
	EventType string
	Outcome   string
	Path      string
	Count     uint64
}

// CountByOutcome resume las entregas entre start y end.
func (l *DeliveryLog) CountByOutcome(ctx context.Context, start, end time.Time) ([]OutcomeCount, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, outcome, path, count() AS total
		FROM outbox_deliveries
		WHERE event_time BETWEEN ? AND ?
		GROUP BY event_type, outcome, path
		ORDER BY event_type, outcome, path
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeCount
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.EventType, &c.Outcome, &c.Path, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InitSchema crea la tabla si no existe, particionada por mes.
func (l *DeliveryLog) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_deliveries (
			event_id       UUID,
			event_type     String,
			aggregate_type String,
			path           LowCardinality(String),
			outcome        LowCardinality(String),
			retry_count    UInt32,
			latency_ms     UInt64,
			error          String,
			event_time     DateTime64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(event_time)
		ORDER BY (event_type, outcome, event_time)
	`)
	return err
}
