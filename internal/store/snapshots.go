package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flexicli/internal/logging"
)

// maxSnapshotsPerSession caps retained checkpoints; oldest pruned FIFO.
const maxSnapshotsPerSession = 20

// ErrNoSnapshot indicates the session has no snapshots yet.
var ErrNoSnapshot = errors.New("no snapshot found")

// Snapshot is an append-only session checkpoint.
type Snapshot struct {
	SessionID      string
	Seq            int64
	EphemeralState []byte
	RetrievalIDs   []int64
	Mode           string
	TokenBudget    json.RawMessage
	LastCommand    string
	CreatedAt      time.Time
}

// WriteSnapshot appends a checkpoint with the next sequence number.
// The write is durable before return so tool-state changes can be
// acknowledged against it.
func (s *Store) WriteSnapshot(snap *Snapshot) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "WriteSnapshot")
	defer timer.Stop()

	retrievalIDs, err := json.Marshal(snap.RetrievalIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode retrieval ids: %w", err)
	}
	budget := snap.TokenBudget
	if budget == nil {
		budget = json.RawMessage("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM snapshots WHERE session_id = ?",
		snap.SessionID).Scan(&seq); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(
		`INSERT INTO snapshots (session_id, seq, ephemeral_state, retrieval_ids, mode, token_budget, last_command, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SessionID, seq, snap.EphemeralState, string(retrievalIDs),
		snap.Mode, string(budget), snap.LastCommand, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}

	// FIFO prune beyond the retention cap.
	if _, err := tx.Exec(
		`DELETE FROM snapshots WHERE session_id = ? AND seq <= (
			SELECT MAX(seq) FROM snapshots WHERE session_id = ?
		 ) - ?`,
		snap.SessionID, snap.SessionID, maxSnapshotsPerSession); err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	snap.Seq = seq
	logging.SessionDebug("snapshot %d written for %s", seq, snap.SessionID)
	return seq, nil
}

// LatestSnapshot returns the highest-sequence snapshot for a session.
func (s *Store) LatestSnapshot(sessionID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(
		`SELECT session_id, seq, ephemeral_state, retrieval_ids, mode, token_budget, last_command, created_at
		 FROM snapshots WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID)
	return scanSnapshot(row)
}

// SnapshotCount returns the retained snapshot count for a session.
func (s *Store) SnapshotCount(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM snapshots WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var retrievalIDs, budget string
	err := row.Scan(&snap.SessionID, &snap.Seq, &snap.EphemeralState,
		&retrievalIDs, &snap.Mode, &budget, &snap.LastCommand, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(retrievalIDs), &snap.RetrievalIDs); err != nil {
		snap.RetrievalIDs = nil
	}
	snap.TokenBudget = json.RawMessage(budget)
	return &snap, nil
}
