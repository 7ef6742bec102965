package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// schema is written with a {{ts}} placeholder for the timestamp column type.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		color TEXT,
		category TEXT,
		subcategory TEXT,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
		category TEXT,
		subcategory TEXT,
		tags TEXT NOT NULL DEFAULT '[]',
		attachments TEXT NOT NULL DEFAULT '[]',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		deadline {{ts}},
		start_at {{ts}},
		end_at {{ts}}
	)`,
	`CREATE TABLE IF NOT EXISTS calendar_events (
		id TEXT PRIMARY KEY,
		project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
		title TEXT NOT NULL,
		description TEXT,
		location TEXT,
		start_at {{ts}} NOT NULL,
		end_at {{ts}} NOT NULL,
		is_all_day BOOLEAN NOT NULL DEFAULT FALSE,
		rrule TEXT,
		exdates TEXT NOT NULL DEFAULT '[]',
		source TEXT NOT NULL DEFAULT 'manual',
		source_uid TEXT,
		raw_payload TEXT,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS calendar_events_source_uid ON calendar_events (source, source_uid)`,
	`CREATE INDEX IF NOT EXISTS calendar_events_start_at ON calendar_events (start_at)`,
}

func (s *SQL) migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if s.driver == DriverSQLite {
		ts = "TIMESTAMP"
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, strings.ReplaceAll(stmt, "{{ts}}", ts)); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
