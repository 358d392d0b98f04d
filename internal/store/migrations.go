package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; the schema version is their count, kept in
// PRAGMA user_version. Append only.
var migrations = [][]string{
	// 1: master builds, their attempts and per-project permalinks.
	{
		`CREATE TABLE IF NOT EXISTS master_builds (
			id                  TEXT PRIMARY KEY,
			project             TEXT NOT NULL,
			number              INTEGER NOT NULL,
			state               TEXT NOT NULL DEFAULT 'PENDING',
			result              TEXT NOT NULL DEFAULT 'NOT_BUILT',
			sub_projects        TEXT NOT NULL DEFAULT '[]',
			hidden_sub_projects TEXT NOT NULL DEFAULT '[]',
			max_retries         INTEGER NOT NULL DEFAULT 0,
			parameters          TEXT NOT NULL DEFAULT '[]',
			created_at          TEXT NOT NULL,
			completed_at        TEXT,
			UNIQUE (project, number)
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			master_build_id TEXT NOT NULL REFERENCES master_builds(id) ON DELETE CASCADE,
			project         TEXT NOT NULL,
			build_number    INTEGER NOT NULL,
			recorded_at     TEXT NOT NULL,
			PRIMARY KEY (master_build_id, project, build_number)
		)`,
		`CREATE TABLE IF NOT EXISTS permalinks (
			project         TEXT NOT NULL,
			kind            TEXT NOT NULL,
			master_build_id TEXT NOT NULL,
			number          INTEGER NOT NULL,
			updated_at      TEXT NOT NULL,
			PRIMARY KEY (project, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_master_builds_project ON master_builds(project)`,
		`CREATE INDEX IF NOT EXISTS idx_master_builds_state ON master_builds(state)`,
	},
	// 2: rebuild notifications and trigger attribution.
	{
		`ALTER TABLE master_builds ADD COLUMN notify_on_rebuild INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE master_builds ADD COLUMN triggered_by TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS idx_master_builds_triggered_by ON master_builds(triggered_by)`,
	},
}

// migrate brings the database up to the latest schema version. Each version is
// applied in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		if err := applyMigration(ctx, db, v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("migration %d: set version: %w", version, err)
	}
	return tx.Commit()
}
