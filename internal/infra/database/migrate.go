package database

import (
	"context"
	"fmt"
)

// OutboxChannel is the Postgres NOTIFY channel fired on every outbox insert.
const OutboxChannel = "outbox_events"

// Migrations are append-only. Version N is index N-1.
var sqliteMigrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS leads (
			local_id                TEXT PRIMARY KEY,
			tenant_id               TEXT NOT NULL,
			external_id             TEXT,
			name                    TEXT NOT NULL DEFAULT '',
			email                   TEXT NOT NULL DEFAULT '',
			phone                   TEXT NOT NULL DEFAULT '',
			phone_last10            TEXT NOT NULL DEFAULT '',
			company                 TEXT NOT NULL DEFAULT '',
			source_tag              TEXT NOT NULL DEFAULT '',
			extra                   TEXT NOT NULL DEFAULT '{}',
			status                  TEXT NOT NULL DEFAULT '',
			status_synced           BOOLEAN NOT NULL DEFAULT 1,
			pending_sync            TEXT NOT NULL DEFAULT '[]',
			pending_count           INTEGER NOT NULL DEFAULT 0,
			dead_letters            TEXT NOT NULL DEFAULT '[]',
			pending_external_create BOOLEAN NOT NULL DEFAULT 0,
			assigned_to             TEXT NOT NULL DEFAULT '',
			internal_notes          TEXT NOT NULL DEFAULT '',
			last_contacted_at       DATETIME,
			automation_stage        TEXT NOT NULL DEFAULT '',
			next_follow_up_at       DATETIME,
			created_at              DATETIME NOT NULL,
			updated_at              DATETIME NOT NULL,
			local_fields_updated_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_tenant_external ON leads(tenant_id, external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_tenant_email ON leads(tenant_id, email)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_tenant_phone ON leads(tenant_id, phone_last10)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_pending ON leads(pending_count) WHERE pending_count > 0`,
		`CREATE INDEX IF NOT EXISTS idx_leads_shadow ON leads(pending_external_create) WHERE pending_external_create = 1`,
	},
	{
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			payload      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'PENDING',
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			published_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_events(status, created_at)`,
	},
}

var postgresMigrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS leads (
			local_id                TEXT PRIMARY KEY,
			tenant_id               TEXT NOT NULL,
			external_id             TEXT,
			name                    TEXT NOT NULL DEFAULT '',
			email                   TEXT NOT NULL DEFAULT '',
			phone                   TEXT NOT NULL DEFAULT '',
			phone_last10            TEXT NOT NULL DEFAULT '',
			company                 TEXT NOT NULL DEFAULT '',
			source_tag              TEXT NOT NULL DEFAULT '',
			extra                   TEXT NOT NULL DEFAULT '{}',
			status                  TEXT NOT NULL DEFAULT '',
			status_synced           BOOLEAN NOT NULL DEFAULT TRUE,
			pending_sync            TEXT NOT NULL DEFAULT '[]',
			pending_count           INTEGER NOT NULL DEFAULT 0,
			dead_letters            TEXT NOT NULL DEFAULT '[]',
			pending_external_create BOOLEAN NOT NULL DEFAULT FALSE,
			assigned_to             TEXT NOT NULL DEFAULT '',
			internal_notes          TEXT NOT NULL DEFAULT '',
			last_contacted_at       TIMESTAMPTZ,
			automation_stage        TEXT NOT NULL DEFAULT '',
			next_follow_up_at       TIMESTAMPTZ,
			created_at              TIMESTAMPTZ NOT NULL,
			updated_at              TIMESTAMPTZ NOT NULL,
			local_fields_updated_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_tenant_external ON leads(tenant_id, external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_tenant_email ON leads(tenant_id, email)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_tenant_phone ON leads(tenant_id, phone_last10)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_pending ON leads(pending_count) WHERE pending_count > 0`,
		`CREATE INDEX IF NOT EXISTS idx_leads_shadow ON leads(pending_external_create) WHERE pending_external_create`,
	},
	{
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			payload      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'PENDING',
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			published_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_events(status, created_at)`,
		`CREATE OR REPLACE FUNCTION notify_outbox_event() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('` + OutboxChannel + `', NEW.id);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS outbox_event_inserted ON outbox_events`,
		`CREATE TRIGGER outbox_event_inserted AFTER INSERT ON outbox_events
			FOR EACH ROW EXECUTE FUNCTION notify_outbox_event()`,
	},
}

// Migrate runs pending migrations, each inside its own transaction. Applied
// versions are tracked in schema_migrations.
func Migrate(ctx context.Context, db *DB) error {
	migrations := sqliteMigrations
	ts := "DATETIME"
	if db.Driver == DriverPostgres {
		migrations = postgresMigrations
		ts = "TIMESTAMPTZ"
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at `+ts+` DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for i, stmts := range migrations {
		version := i + 1

		var exists int
		if err := db.QueryRowContext(ctx, db.Rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, db.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}
