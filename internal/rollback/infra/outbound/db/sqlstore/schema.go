package sqlstore

import "github.com/davicafu/fleetguard/shared/platform/persistence"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS rollback_executions (
		execution_id      TEXT PRIMARY KEY,
		saga_id           TEXT NOT NULL UNIQUE,
		trigger_id        TEXT NOT NULL,
		target_type       TEXT NOT NULL,
		target_id         TEXT NOT NULL,
		from_version      TEXT NOT NULL,
		to_version        TEXT NOT NULL,
		trigger_reason    TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		total_devices     INTEGER NOT NULL DEFAULT 0,
		completed_devices INTEGER NOT NULL DEFAULT 0,
		failed_devices    INTEGER NOT NULL DEFAULT 0,
		checkpoint        TEXT NOT NULL DEFAULT '{}',
		result            TEXT NOT NULL DEFAULT '{}',
		stop_on_error     BOOLEAN NOT NULL DEFAULT 0,
		batch_size        INTEGER NOT NULL,
		device_codes      TEXT NOT NULL DEFAULT '[]',
		started_at        DATETIME NOT NULL,
		completed_at      DATETIME,
		updated_at        DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rollback_executions_target ON rollback_executions (target_type, target_id, started_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS rollback_executions (
		execution_id      UUID PRIMARY KEY,
		saga_id           TEXT NOT NULL UNIQUE,
		trigger_id        TEXT NOT NULL,
		target_type       TEXT NOT NULL,
		target_id         TEXT NOT NULL,
		from_version      TEXT NOT NULL,
		to_version        TEXT NOT NULL,
		trigger_reason    TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		total_devices     INTEGER NOT NULL DEFAULT 0,
		completed_devices INTEGER NOT NULL DEFAULT 0,
		failed_devices    INTEGER NOT NULL DEFAULT 0,
		checkpoint        JSONB NOT NULL DEFAULT '{}',
		result            JSONB NOT NULL DEFAULT '{}',
		stop_on_error     BOOLEAN NOT NULL DEFAULT FALSE,
		batch_size        INTEGER NOT NULL,
		device_codes      JSONB NOT NULL DEFAULT '[]',
		started_at        TIMESTAMPTZ NOT NULL,
		completed_at      TIMESTAMPTZ,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rollback_executions_target ON rollback_executions (target_type, target_id, started_at)`,
}

func schemaFor(d persistence.Dialect) []string {
	if d == persistence.Postgres {
		return postgresSchema
	}
	return sqliteSchema
}
