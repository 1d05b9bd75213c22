package store

import (
	"fmt"
	"time"

	"flexicli/internal/logging"
)

// knowledgeTokenCap bounds the entire knowledge layer.
const knowledgeTokenCap = 2000

// Knowledge is a small structured fact, e.g. a preference or pattern.
type Knowledge struct {
	ID         int64
	ProjectID  string
	Key        string
	Value      string
	Category   string
	Importance float64
	TokenCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpsertKnowledge inserts or updates a fact by key, then evicts the
// least important / oldest facts until the layer fits its token cap.
func (s *Store) UpsertKnowledge(k *Knowledge) error {
	if k.Key == "" {
		return fmt.Errorf("knowledge key required")
	}
	if k.Category == "" {
		k.Category = "general"
	}
	if k.TokenCount <= 0 {
		k.TokenCount = (len(k.Value) + 3) / 4
	}
	if k.TokenCount > knowledgeTokenCap {
		return fmt.Errorf("knowledge value for %q is %d tokens, layer cap is %d", k.Key, k.TokenCount, knowledgeTokenCap)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO knowledge (project_id, key, value, category, importance_score, token_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, key) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			importance_score = excluded.importance_score,
			token_count = excluded.token_count,
			updated_at = excluded.updated_at`,
		s.projectID, k.Key, k.Value, k.Category, k.Importance, k.TokenCount, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert knowledge: %w", err)
	}
	return s.evictKnowledgeLocked()
}

// evictKnowledgeLocked removes facts (lowest importance, then oldest)
// until the layer total fits the cap. Caller holds the write lock.
func (s *Store) evictKnowledgeLocked() error {
	for {
		var total int
		if err := s.db.QueryRow(
			"SELECT COALESCE(SUM(token_count), 0) FROM knowledge WHERE project_id = ?",
			s.projectID).Scan(&total); err != nil {
			return err
		}
		if total <= knowledgeTokenCap {
			return nil
		}
		res, err := s.db.Exec(`
			DELETE FROM knowledge WHERE id = (
				SELECT id FROM knowledge WHERE project_id = ?
				ORDER BY importance_score ASC, created_at ASC LIMIT 1
			)`, s.projectID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		logging.Get(logging.CategoryStore).Debug("knowledge evicted: layer was %d tokens", total)
	}
}

// QueryKnowledge returns facts, optionally filtered by category,
// ordered by importance descending.
func (s *Store) QueryKnowledge(category string, limit int) ([]Knowledge, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, project_id, key, value, category, importance_score, token_count, created_at, updated_at
	      FROM knowledge WHERE project_id = ?`
	args := []any{s.projectID}
	if category != "" {
		q += " AND category = ?"
		args = append(args, category)
	}
	q += " ORDER BY importance_score DESC, updated_at DESC LIMIT ?"
	args = append(args, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []Knowledge
	for rows.Next() {
		var k Knowledge
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Key, &k.Value, &k.Category,
			&k.Importance, &k.TokenCount, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, err
		}
		facts = append(facts, k)
	}
	return facts, rows.Err()
}

// GetKnowledge fetches one fact by key.
func (s *Store) GetKnowledge(key string) (*Knowledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var k Knowledge
	err := s.db.QueryRow(`
		SELECT id, project_id, key, value, category, importance_score, token_count, created_at, updated_at
		FROM knowledge WHERE project_id = ? AND key = ?`, s.projectID, key).
		Scan(&k.ID, &k.ProjectID, &k.Key, &k.Value, &k.Category,
			&k.Importance, &k.TokenCount, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// DeleteKnowledge removes a fact by key.
func (s *Store) DeleteKnowledge(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM knowledge WHERE project_id = ? AND key = ?", s.projectID, key)
	return err
}

// KnowledgeTokenTotal reports the layer's current token usage.
func (s *Store) KnowledgeTokenTotal() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int
	err := s.db.QueryRow(
		"SELECT COALESCE(SUM(token_count), 0) FROM knowledge WHERE project_id = ?",
		s.projectID).Scan(&total)
	return total, err
}

// KnowledgeCount reports the number of stored facts.
func (s *Store) KnowledgeCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM knowledge WHERE project_id = ?", s.projectID).Scan(&n)
	return n, err
}
