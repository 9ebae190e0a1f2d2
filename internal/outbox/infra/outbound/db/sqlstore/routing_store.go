package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

const routingColumns = `event_type, publish_mode, cdc_enabled, polling_interval_ms, polling_batch_size,
	requires_processing, processor_class, is_active, updated_at`

func (s *OutboxStore) ListRoutes(ctx context.Context) ([]domain.RoutingConfig, error) {
	rows, err := s.query(ctx, `SELECT `+routingColumns+` FROM outbox_routing_configs ORDER BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("list routing configs: %w", err)
	}
	defer rows.Close()

	var out []domain.RoutingConfig
	for rows.Next() {
		cfg, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *OutboxStore) GetRoute(ctx context.Context, eventType string) (domain.RoutingConfig, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+routingColumns+` FROM outbox_routing_configs WHERE event_type = ?`), eventType)
	cfg, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, domain.ErrRoutingNotFound
	}
	return cfg, err
}

func (s *OutboxStore) UpsertRoute(ctx context.Context, cfg domain.RoutingConfig) error {
	_, err := s.exec(ctx,
		`INSERT INTO outbox_routing_configs (`+routingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_type) DO UPDATE SET
		     publish_mode = excluded.publish_mode,
		     cdc_enabled = excluded.cdc_enabled,
		     polling_interval_ms = excluded.polling_interval_ms,
		     polling_batch_size = excluded.polling_batch_size,
		     requires_processing = excluded.requires_processing,
		     processor_class = excluded.processor_class,
		     is_active = excluded.is_active,
		     updated_at = excluded.updated_at`,
		cfg.EventType, string(cfg.PublishMode), cfg.CDCEnabled, cfg.PollingIntervalMs, cfg.PollingBatchSize,
		cfg.RequiresProcessing, cfg.ProcessorClass, cfg.IsActive, cfg.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert routing config %s: %w", cfg.EventType, err)
	}
	return nil
}

func scanRoute(row scanner) (domain.RoutingConfig, error) {
	var (
		cfg  domain.RoutingConfig
		mode string
	)
	err := row.Scan(&cfg.EventType, &mode, &cfg.CDCEnabled, &cfg.PollingIntervalMs, &cfg.PollingBatchSize,
		&cfg.RequiresProcessing, &cfg.ProcessorClass, &cfg.IsActive, &cfg.UpdatedAt)
	cfg.PublishMode = domain.PublishMode(mode)
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, err
}
