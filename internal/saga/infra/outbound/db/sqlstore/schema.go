package sqlstore

import "github.com/davicafu/fleetguard/shared/platform/persistence"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS saga_instances (
		saga_id          TEXT PRIMARY KEY,
		saga_type        TEXT NOT NULL,
		status           TEXT NOT NULL,
		current_step     INTEGER NOT NULL DEFAULT 0,
		total_steps      INTEGER NOT NULL,
		input            TEXT NOT NULL DEFAULT '{}',
		output           TEXT NOT NULL DEFAULT '{}',
		checkpoint       TEXT NOT NULL DEFAULT '{}',
		error            TEXT NOT NULL DEFAULT '',
		cancel_requested BOOLEAN NOT NULL DEFAULT 0,
		version          INTEGER NOT NULL DEFAULT 0,
		started_at       DATETIME NOT NULL,
		completed_at     DATETIME,
		timeout_at       DATETIME,
		updated_at       DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_instances_status ON saga_instances (status, started_at)`,
	`CREATE TABLE IF NOT EXISTS saga_steps (
		step_id      TEXT PRIMARY KEY,
		saga_id      TEXT NOT NULL REFERENCES saga_instances (saga_id),
		step_index   INTEGER NOT NULL,
		step_name    TEXT NOT NULL,
		step_type    TEXT NOT NULL,
		status       TEXT NOT NULL,
		input        TEXT NOT NULL DEFAULT '{}',
		output       TEXT NOT NULL DEFAULT '{}',
		error        TEXT NOT NULL DEFAULT '',
		retry_count  INTEGER NOT NULL DEFAULT 0,
		started_at   DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_steps_saga ON saga_steps (saga_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS saga_dead_letters (
		dead_letter_id  TEXT PRIMARY KEY,
		saga_id         TEXT NOT NULL UNIQUE,
		saga_type       TEXT NOT NULL,
		failure_reason  TEXT NOT NULL DEFAULT '',
		failure_type    TEXT NOT NULL,
		original_input  TEXT NOT NULL DEFAULT '{}',
		last_checkpoint TEXT NOT NULL DEFAULT '{}',
		retryable       BOOLEAN NOT NULL DEFAULT 1,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		last_retry_at   DATETIME,
		resolved_at     DATETIME,
		resolved_by     TEXT NOT NULL DEFAULT '',
		resolution      TEXT NOT NULL DEFAULT '',
		created_at      DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_dead_letters_created ON saga_dead_letters (created_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS saga_instances (
		saga_id          TEXT PRIMARY KEY,
		saga_type        TEXT NOT NULL,
		status           TEXT NOT NULL,
		current_step     INTEGER NOT NULL DEFAULT 0,
		total_steps      INTEGER NOT NULL,
		input            JSONB NOT NULL DEFAULT '{}',
		output           JSONB NOT NULL DEFAULT '{}',
		checkpoint       JSONB NOT NULL DEFAULT '{}',
		error            TEXT NOT NULL DEFAULT '',
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		version          INTEGER NOT NULL DEFAULT 0,
		started_at       TIMESTAMPTZ NOT NULL,
		completed_at     TIMESTAMPTZ,
		timeout_at       TIMESTAMPTZ,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_instances_status ON saga_instances (status, started_at)`,
	`CREATE TABLE IF NOT EXISTS saga_steps (
		step_id      UUID PRIMARY KEY,
		saga_id      TEXT NOT NULL REFERENCES saga_instances (saga_id),
		step_index   INTEGER NOT NULL,
		step_name    TEXT NOT NULL,
		step_type    TEXT NOT NULL,
		status       TEXT NOT NULL,
		input        JSONB NOT NULL DEFAULT '{}',
		output       JSONB NOT NULL DEFAULT '{}',
		error        TEXT NOT NULL DEFAULT '',
		retry_count  INTEGER NOT NULL DEFAULT 0,
		started_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_steps_saga ON saga_steps (saga_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS saga_dead_letters (
		dead_letter_id  UUID PRIMARY KEY,
		saga_id         TEXT NOT NULL UNIQUE,
		saga_type       TEXT NOT NULL,
		failure_reason  TEXT NOT NULL DEFAULT '',
		failure_type    TEXT NOT NULL,
		original_input  JSONB NOT NULL DEFAULT '{}',
		last_checkpoint JSONB NOT NULL DEFAULT '{}',
		retryable       BOOLEAN NOT NULL DEFAULT TRUE,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		last_retry_at   TIMESTAMPTZ,
		resolved_at     TIMESTAMPTZ,
		resolved_by     TEXT NOT NULL DEFAULT '',
		resolution      TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_dead_letters_created ON saga_dead_letters (created_at)`,
}

func schemaFor(d persistence.Dialect) []string {
	if d == persistence.Postgres {
		return postgresSchema
	}
	return sqliteSchema
}
