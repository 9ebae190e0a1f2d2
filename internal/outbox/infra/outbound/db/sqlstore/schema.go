package sqlstore

import (
	"fmt"

	"github.com/davicafu/fleetguard/shared/platform/persistence"
)

// DefaultNotifyChannel es el canal de pg_notify que escucha el feed de Postgres.
const DefaultNotifyChannel = "outbox_events"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_events (
		event_id        TEXT PRIMARY KEY,
		event_type      TEXT NOT NULL,
		aggregate_type  TEXT NOT NULL,
		aggregate_id    TEXT NOT NULL,
		payload         TEXT NOT NULL DEFAULT '{}',
		metadata        TEXT NOT NULL DEFAULT '{}',
		status          TEXT NOT NULL DEFAULT 'pending',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER NOT NULL DEFAULT 3,
		last_error      TEXT NOT NULL DEFAULT '',
		next_attempt_at DATETIME NOT NULL,
		published_at    DATETIME,
		published_via   TEXT NOT NULL DEFAULT '',
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_pending ON outbox_events (status, event_type, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_created ON outbox_events (created_at)`,
	`CREATE TABLE IF NOT EXISTS outbox_routing_configs (
		event_type          TEXT PRIMARY KEY,
		publish_mode        TEXT NOT NULL,
		cdc_enabled         BOOLEAN NOT NULL DEFAULT 0,
		polling_interval_ms INTEGER NOT NULL,
		polling_batch_size  INTEGER NOT NULL,
		requires_processing BOOLEAN NOT NULL DEFAULT 0,
		processor_class     TEXT NOT NULL DEFAULT '',
		is_active           BOOLEAN NOT NULL DEFAULT 1,
		updated_at          DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_processed_events (
		event_id       TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		processed_at   DATETIME NOT NULL,
		expires_at     DATETIME NOT NULL,
		metadata       TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (event_id, consumer_group)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_processed_expires ON outbox_processed_events (expires_at)`,
}

func postgresSchema(channel string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS outbox_events (
			event_id        UUID PRIMARY KEY,
			event_type      TEXT NOT NULL,
			aggregate_type  TEXT NOT NULL,
			aggregate_id    TEXT NOT NULL,
			payload         JSONB NOT NULL DEFAULT '{}',
			metadata        JSONB NOT NULL DEFAULT '{}',
			status          TEXT NOT NULL DEFAULT 'pending',
			retry_count     INTEGER NOT NULL DEFAULT 0,
			max_retries     INTEGER NOT NULL DEFAULT 3,
			last_error      TEXT NOT NULL DEFAULT '',
			next_attempt_at TIMESTAMPTZ NOT NULL,
			published_at    TIMESTAMPTZ,
			published_via   TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_pending ON outbox_events (status, event_type, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_created ON outbox_events (created_at)`,
		`CREATE TABLE IF NOT EXISTS outbox_routing_configs (
			event_type          TEXT PRIMARY KEY,
			publish_mode        TEXT NOT NULL,
			cdc_enabled         BOOLEAN NOT NULL DEFAULT FALSE,
			polling_interval_ms INTEGER NOT NULL,
			polling_batch_size  INTEGER NOT NULL,
			requires_processing BOOLEAN NOT NULL DEFAULT FALSE,
			processor_class     TEXT NOT NULL DEFAULT '',
			is_active           BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at          TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_processed_events (
			event_id       UUID NOT NULL,
			consumer_group TEXT NOT NULL,
			processed_at   TIMESTAMPTZ NOT NULL,
			expires_at     TIMESTAMPTZ NOT NULL,
			metadata       JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (event_id, consumer_group)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_processed_expires ON outbox_processed_events (expires_at)`,
		// Cada inserción confirmada avisa al canal; LISTEN solo recibe avisos tras el COMMIT.
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION notify_outbox_event() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('%s', json_build_object('eventId', NEW.event_id, 'eventType', NEW.event_type)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`, channel),
		`DROP TRIGGER IF EXISTS outbox_events_notify ON outbox_events`,
		`CREATE TRIGGER outbox_events_notify AFTER INSERT ON outbox_events
			FOR EACH ROW EXECUTE FUNCTION notify_outbox_event()`,
	}
}

func schemaFor(d persistence.Dialect, channel string) []string {
	if d == persistence.Postgres {
		if channel == "" {
			channel = DefaultNotifyChannel
		}
		return postgresSchema(channel)
	}
	return sqliteSchema
}
