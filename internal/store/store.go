// Package store persists flexicli state in a project-local SQLite
// database: projects, sessions, snapshots, chunks with embeddings,
// knowledge facts, git commits, and execution logs. One writer per
// process; cross-project reads are rejected at the API boundary.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flexicli/internal/embedding"
	"flexicli/internal/logging"
)

// DirName is the project-local state directory.
const DirName = ".flexicli"

// DBFileName is the database file inside DirName.
const DBFileName = "flexicli.db"

// Store wraps the SQLite database for one project.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	projectID string
	rootPath  string
	engine    embedding.Engine // optional; nil degrades search to keywords
	vectorExt bool             // sqlite-vec vec0 available
}

// Meta mirrors meta.json in the project directory.
type Meta struct {
	ProjectID       string `json:"projectId"`
	RootPath        string `json:"rootPath"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
	SchemaVersion   int    `json:"schemaVersion"`
	EmbeddingsModel string `json:"embeddingsModel"`
}

// ProjectID derives the stable project identifier from an absolute
// root path: first 16 hex characters of its SHA-256.
func ProjectID(rootPath string) string {
	sum := sha256.Sum256([]byte(rootPath))
	return hex.EncodeToString(sum[:])[:16]
}

// Open opens (creating if needed) the project database under
// <root>/.flexicli/ and upserts the project row and meta.json.
// The engine may be nil; search then runs in degraded keyword mode.
func Open(rootPath string, engine embedding.Engine) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}

	dir := filepath.Join(abs, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}
	for _, sub := range []string{"sessions", "cache", "logs", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	dbPath := filepath.Join(dir, DBFileName)
	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; WAL readers do not block it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryStore).Debug("pragma failed (%s): %v", pragma, err)
		}
	}

	s := &Store{
		db:        db,
		dbPath:    dbPath,
		projectID: ProjectID(abs),
		rootPath:  abs,
		engine:    engine,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	s.detectVecExtension()

	if err := s.upsertProject(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.writeMeta(dir); err != nil {
		logging.Get(logging.CategoryStore).Warn("meta.json write failed: %v", err)
	}

	logging.Store("store open: project=%s db=%s vec=%v", s.projectID, dbPath, s.vectorExt)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ProjectID returns the current project's identifier.
func (s *Store) ProjectID() string { return s.projectID }

// RootPath returns the absolute project root.
func (s *Store) RootPath() string { return s.rootPath }

// ProjectDir returns the .flexicli directory path.
func (s *Store) ProjectDir() string { return filepath.Join(s.rootPath, DirName) }

// Engine returns the configured embedding engine, possibly nil.
func (s *Store) Engine() embedding.Engine { return s.engine }

// VectorExtAvailable reports whether the vec0 extension loaded.
func (s *Store) VectorExtAvailable() bool { return s.vectorExt }

// DBSizeBytes returns the database file size.
func (s *Store) DBSizeBytes() int64 {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Ping verifies the database is reachable. The monitoring health
// endpoint calls this but stays up regardless of the result.
func (s *Store) Ping() error {
	var one int
	return s.db.QueryRow("SELECT 1").Scan(&one)
}

// Project is one row in the projects table. A project-local database
// normally holds a single entry.
type Project struct {
	ID              string    `json:"id"`
	RootPath        string    `json:"root_path"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	SchemaVersion   int       `json:"schema_version"`
	EmbeddingsModel string    `json:"embeddings_model,omitempty"`
}

// ListProjects returns every project known to this database, most
// recently touched first.
func (s *Store) ListProjects() ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id, root_path, created_at, updated_at, schema_version, embeddings_model
		 FROM projects ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.RootPath, &p.CreatedAt, &p.UpdatedAt,
			&p.SchemaVersion, &p.EmbeddingsModel); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) upsertProject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO projects (id, root_path, created_at, updated_at, schema_version, embeddings_model)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at,
			schema_version = excluded.schema_version,
			embeddings_model = excluded.embeddings_model`,
		s.projectID, s.rootPath, now, now, CurrentSchemaVersion, s.engineName())
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

func (s *Store) engineName() string {
	if s.engine == nil {
		return ""
	}
	return s.engine.Name()
}

func (s *Store) writeMeta(dir string) error {
	var createdAt string
	s.mu.RLock()
	err := s.db.QueryRow("SELECT created_at FROM projects WHERE id = ?", s.projectID).Scan(&createdAt)
	s.mu.RUnlock()
	if err != nil {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}

	meta := Meta{
		ProjectID:       s.projectID,
		RootPath:        s.rootPath,
		CreatedAt:       createdAt,
		UpdatedAt:       time.Now().UTC().Format(time.RFC3339),
		SchemaVersion:   CurrentSchemaVersion,
		EmbeddingsModel: s.engineName(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o644)
}

// detectVecExtension probes for sqlite-vec. Absence is not an error;
// search falls back to in-process ranking.
func (s *Store) detectVecExtension() {
	var version string
	err := s.db.QueryRow("SELECT vec_version()").Scan(&version)
	if err != nil {
		s.vectorExt = false
		return
	}
	s.vectorExt = true
	logging.Store("sqlite-vec detected: %s", version)
}
