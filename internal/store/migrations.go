package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schema contains the DDL for all run history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		workflow     TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT 'RUNNING',
		output_dir   TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS step_results (
		run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_id       TEXT NOT NULL,
		module        TEXT NOT NULL DEFAULT '',
		success       INTEGER NOT NULL,
		task_count    INTEGER NOT NULL DEFAULT 0,
		failed_tasks  INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		counters      TEXT NOT NULL DEFAULT '{}',
		start_time    TEXT NOT NULL,
		end_time      TEXT NOT NULL,
		PRIMARY KEY (run_id, step_id)
	)`,

	`CREATE TABLE IF NOT EXISTS task_results (
		run_id      TEXT NOT NULL,
		step_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		success     INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, name),
		FOREIGN KEY (run_id, step_id) REFERENCES step_results(run_id, step_id) ON DELETE CASCADE
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_task_results_step ON task_results(run_id, step_id)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "runs",
		column:   "message",
		alterSQL: "ALTER TABLE runs ADD COLUMN message TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return fmt.Errorf("add %s.%s: %w", alter.table, alter.column, err)
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return fmt.Errorf("index %s.%s: %w", alter.table, alter.column, err)
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
