package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flexicli/internal/logging"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCrashed   = "crashed"
)

// staleAfter is the age at which an active session counts as crashed.
const staleAfter = time.Hour

// ErrNoSession indicates no matching session row.
var ErrNoSession = errors.New("no session found")

// Session is one conversation with the assistant.
type Session struct {
	ID         string
	ProjectID  string
	Mode       string
	Status     string
	StartedAt  time.Time
	EndedAt    *time.Time
	UpdatedAt  time.Time
	TurnCount  int
	TokensUsed int
}

// Turn is one persisted conversation message.
type Turn struct {
	SessionID  string
	TurnNumber int
	Role       string
	Content    string
	CreatedAt  time.Time
}

// StartSession creates a new active session. Any session still marked
// active is completed first; at most one active session per project.
func (s *Store) StartSession(mode string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`UPDATE sessions SET status = ?, ended_at = ?, updated_at = ? WHERE project_id = ? AND status = ?`,
		SessionCompleted, now, now, s.projectID, SessionActive); err != nil {
		return nil, fmt.Errorf("failed to close stale sessions: %w", err)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		ProjectID: s.projectID,
		Mode:      mode,
		Status:    SessionActive,
		StartedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, project_id, mode, status, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.Mode, sess.Status, sess.StartedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logging.Session("session started: %s mode=%s", sess.ID, mode)
	return sess, nil
}

// EndSession marks a session completed or crashed.
func (s *Store) EndSession(sessionID, status string) error {
	if status != SessionCompleted && status != SessionCrashed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, ended_at = ?, updated_at = ? WHERE id = ? AND project_id = ?`,
		status, now, now, sessionID, s.projectID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSession
	}
	logging.Session("session %s ended: %s", sessionID, status)
	return nil
}

// TouchSession bumps updated_at and accumulates turn/token counters.
func (s *Store) TouchSession(sessionID string, turnsDelta, tokensDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE sessions SET updated_at = ?, turn_count = turn_count + ?, tokens_used = tokens_used + ?
		 WHERE id = ? AND project_id = ?`,
		time.Now().UTC(), turnsDelta, tokensDelta, sessionID, s.projectID)
	return err
}

// GetSession loads one session by id.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(
		`SELECT id, project_id, mode, status, started_at, ended_at, updated_at, turn_count, tokens_used
		 FROM sessions WHERE id = ? AND project_id = ?`, sessionID, s.projectID)
	return scanSession(row)
}

// ListSessions returns recent sessions, newest first.
func (s *Store) ListSessions(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id, project_id, mode, status, started_at, ended_at, updated_at, turn_count, tokens_used
		 FROM sessions WHERE project_id = ? ORDER BY started_at DESC LIMIT ?`, s.projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RecoveredSession describes the outcome of crash recovery.
type RecoveredSession struct {
	CrashedID string
	Session   *Session
	Snapshot  *Snapshot // latest snapshot of the crashed session, may be nil
}

// RecoverCrashed inspects the most recent session. An active session
// whose last update is older than one hour is marked crashed and its
// latest snapshot is restored into a fresh session. Returns nil when
// there is nothing to recover.
func (s *Store) RecoverCrashed() (*RecoveredSession, error) {
	s.mu.RLock()
	row := s.db.QueryRow(
		`SELECT id, project_id, mode, status, started_at, ended_at, updated_at, turn_count, tokens_used
		 FROM sessions WHERE project_id = ? ORDER BY started_at DESC LIMIT 1`, s.projectID)
	last, err := scanSession(row)
	s.mu.RUnlock()
	if errors.Is(err, ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if last.Status != SessionActive || time.Since(last.UpdatedAt) <= staleAfter {
		return nil, nil
	}

	logging.Session("recovering crashed session %s (stale %v)", last.ID, time.Since(last.UpdatedAt).Round(time.Minute))
	if err := s.EndSession(last.ID, SessionCrashed); err != nil {
		return nil, fmt.Errorf("failed to mark session crashed: %w", err)
	}

	snap, err := s.LatestSnapshot(last.ID)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		return nil, err
	}

	fresh, err := s.StartSession(last.Mode)
	if err != nil {
		return nil, err
	}
	return &RecoveredSession{CrashedID: last.ID, Session: fresh, Snapshot: snap}, nil
}

// AddTurn persists one conversation message for history replay.
func (s *Store) AddTurn(sessionID string, turnNumber int, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO session_turns (session_id, turn_number, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, turnNumber, role, content, time.Now().UTC())
	return err
}

// GetTurns loads a session's messages in order.
func (s *Store) GetTurns(sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT session_id, turn_number, role, content, created_at
		 FROM session_turns WHERE session_id = ? ORDER BY turn_number, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.SessionID, &t.TurnNumber, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.Mode, &sess.Status,
		&sess.StartedAt, &endedAt, &sess.UpdatedAt, &sess.TurnCount, &sess.TokensUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}
