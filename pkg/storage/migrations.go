package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are versioned monotonic scripts. Both databases run the same
// series and migrate independently on daemon start; never edit a released
// entry, append a new one.
var migrations = []string{
	// v1: core entities
	`
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL UNIQUE,
	name       TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	uuid               TEXT,
	project_id         TEXT NOT NULL,
	source             TEXT,
	status             TEXT NOT NULL DEFAULT 'active',
	title              TEXT,
	summary            TEXT,
	autonomous         INTEGER NOT NULL DEFAULT 0,
	parent_session_id  TEXT,
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd           REAL NOT NULL DEFAULT 0,
	pid                INTEGER,
	cwd                TEXT,
	transcript_path    TEXT,
	started_at         TEXT NOT NULL,
	ended_at           TEXT,
	updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id                        TEXT PRIMARY KEY,
	uuid                      TEXT,
	project_id                TEXT NOT NULL,
	parent_task_id            TEXT,
	discovered_in_session_id  TEXT,
	title                     TEXT NOT NULL,
	description               TEXT,
	status                    TEXT NOT NULL DEFAULT 'open',
	priority                  INTEGER NOT NULL DEFAULT 2,
	task_type                 TEXT NOT NULL DEFAULT 'task',
	labels                    TEXT NOT NULL DEFAULT '[]',
	commits                   TEXT NOT NULL DEFAULT '[]',
	validation_history        TEXT NOT NULL DEFAULT '[]',
	expansion_status          TEXT,
	external_url              TEXT,
	closed_reason             TEXT,
	created_at                TEXT NOT NULL,
	updated_at                TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id    TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	dep_type   TEXT NOT NULL DEFAULT 'blocks',
	created_at TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on, dep_type)
);

CREATE TABLE IF NOT EXISTS workflow_states (
	session_id    TEXT PRIMARY KEY,
	project_id    TEXT,
	workflow_name TEXT NOT NULL,
	data          TEXT NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_handoffs (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	project_id TEXT,
	content    TEXT NOT NULL,
	consumed   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rules (
	name       TEXT NOT NULL,
	tier       TEXT NOT NULL,
	definition TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (name, tier)
);

CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	project_id TEXT,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stop_signals (
	session_id TEXT PRIMARY KEY,
	reason     TEXT,
	source     TEXT,
	issued_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_artifacts (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	artifact_type TEXT,
	title         TEXT,
	content       TEXT,
	file_path     TEXT,
	metadata      TEXT,
	created_at    TEXT NOT NULL
);
`,
	// v2: query indices
	`
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_task_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions (project_id, started_at);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies (depends_on);
CREATE INDEX IF NOT EXISTS idx_handoffs_session ON workflow_handoffs (session_id, consumed);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON session_artifacts (session_id);
`,
	// v3: full-text search over captured artifacts
	`
CREATE VIRTUAL TABLE IF NOT EXISTS session_artifacts_fts USING fts5 (
	title, content, content='session_artifacts', content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS session_artifacts_ai AFTER INSERT ON session_artifacts BEGIN
	INSERT INTO session_artifacts_fts (rowid, title, content)
	VALUES (new.rowid, new.title, new.content);
END;
CREATE TRIGGER IF NOT EXISTS session_artifacts_ad AFTER DELETE ON session_artifacts BEGIN
	INSERT INTO session_artifacts_fts (session_artifacts_fts, rowid, title, content)
	VALUES ('delete', old.rowid, old.title, old.content);
END;
`,
}

// migrate applies all pending migrations to db inside transactions, recording
// each applied version in schema_migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, v+1, nowUTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
	}
	return nil
}
