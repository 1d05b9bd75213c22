package store

import (
	"database/sql"
	"fmt"

	"flexicli/internal/logging"
)

// Schema versions:
// v1: initial tables
// v2: chunks gained start_line/end_line for span dedupe
// v3: sessions gained updated_at for crash detection
const CurrentSchemaVersion = 3

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		root_path TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		schema_version INTEGER NOT NULL DEFAULT 1,
		embeddings_model TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		mode TEXT NOT NULL DEFAULT 'concise',
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'crashed')),
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		updated_at DATETIME NOT NULL,
		turn_count INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		ephemeral_state BLOB,
		retrieval_ids TEXT NOT NULL DEFAULT '[]',
		mode TEXT NOT NULL DEFAULT 'concise',
		token_budget TEXT NOT NULL DEFAULT '{}',
		last_command TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE (session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS session_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		turn_number INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_session ON session_turns(session_id, turn_number)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id),
		path TEXT NOT NULL,
		content TEXT NOT NULL,
		chunk_type TEXT NOT NULL DEFAULT 'code' CHECK (chunk_type IN ('code', 'doc', 'diff')),
		token_count INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL,
		start_line INTEGER NOT NULL DEFAULT 0,
		end_line INTEGER NOT NULL DEFAULT 0,
		embedding TEXT,
		embedding_dims INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		UNIQUE (project_id, path, content_hash, start_line, end_line)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(project_id, path)`,
	`CREATE TABLE IF NOT EXISTS git_commits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id),
		hash TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		commit_date DATETIME,
		message TEXT NOT NULL DEFAULT '',
		diff_summary TEXT NOT NULL DEFAULT '',
		UNIQUE (project_id, hash)
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id),
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'general',
		importance_score REAL NOT NULL DEFAULT 1.0,
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (project_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		args_summary TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_session ON execution_logs(session_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_tool ON execution_logs(tool_name)`,
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// columnMigration adds a column to an existing table when an older
// database predates it. Errors from duplicate columns are ignored.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []columnMigration{
	{"chunks", "start_line", "INTEGER NOT NULL DEFAULT 0"},
	{"chunks", "end_line", "INTEGER NOT NULL DEFAULT 0"},
	{"sessions", "updated_at", "DATETIME"},
}

func (s *Store) runMigrations() error {
	timer := logging.StartTimer(logging.CategoryStore, "runMigrations")
	defer timer.Stop()

	for _, m := range pendingMigrations {
		if hasColumn(s.db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		logging.Store("migration applied: %s.%s", m.Table, m.Column)
	}

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)",
		CurrentSchemaVersion)
	return err
}

func hasColumn(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
