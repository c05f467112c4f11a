package sqldb

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect-neutral DDL: TEXT/BOOLEAN/TIMESTAMP/BIGINT are understood by both
// PostgreSQL and SQLite, and every statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		space               TEXT NOT NULL,
		subpath             TEXT NOT NULL,
		shortname           TEXT NOT NULL,
		resource_type       TEXT NOT NULL,
		is_active           BOOLEAN NOT NULL DEFAULT TRUE,
		owner_shortname     TEXT NOT NULL DEFAULT '',
		owner_group         TEXT NOT NULL DEFAULT '',
		tags                TEXT NOT NULL DEFAULT '[]',
		query_policies      TEXT NOT NULL DEFAULT '[]',
		view_acl            TEXT NOT NULL DEFAULT '[]',
		document            TEXT NOT NULL,
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL,
		PRIMARY KEY (space, subpath, shortname, resource_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_space_subpath ON entries (space, subpath)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_type ON entries (resource_type)`,

	`CREATE TABLE IF NOT EXISTS histories (
		uuid            TEXT PRIMARY KEY,
		space           TEXT NOT NULL,
		subpath         TEXT NOT NULL,
		shortname       TEXT NOT NULL,
		owner_shortname TEXT NOT NULL DEFAULT '',
		occurred_at     TIMESTAMP NOT NULL,
		checksum        TEXT NOT NULL DEFAULT '',
		document        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_histories_entry ON histories (space, subpath, shortname, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS attachments (
		space            TEXT NOT NULL,
		subpath          TEXT NOT NULL,
		parent_shortname TEXT NOT NULL,
		resource_type    TEXT NOT NULL,
		shortname        TEXT NOT NULL,
		document         TEXT NOT NULL,
		content          TEXT,
		PRIMARY KEY (space, subpath, parent_shortname, resource_type, shortname)
	)`,

	`CREATE TABLE IF NOT EXISTS blobs (
		space   TEXT NOT NULL,
		subpath TEXT NOT NULL,
		name    TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (space, subpath, name)
	)`,

	`CREATE TABLE IF NOT EXISTS locks (
		space           TEXT NOT NULL,
		subpath         TEXT NOT NULL,
		shortname       TEXT NOT NULL,
		owner_shortname TEXT NOT NULL,
		lock_time       TIMESTAMP NOT NULL,
		ttl_ns          BIGINT NOT NULL,
		document        TEXT NOT NULL,
		PRIMARY KEY (space, subpath, shortname)
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		uuid          TEXT PRIMARY KEY,
		space         TEXT NOT NULL,
		subpath       TEXT NOT NULL,
		shortname     TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		action        TEXT NOT NULL,
		actor         TEXT NOT NULL DEFAULT '',
		occurred_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_space ON events (space, occurred_at)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
