package store

import (
	"time"

	"flexicli/internal/logging"
)

// ExecutionLog records one tool invocation.
type ExecutionLog struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	ToolName    string    `json:"tool_name"`
	ArgsSummary string    `json:"args_summary,omitempty"`
	Success     bool      `json:"success"`
	DurationMS  int64     `json:"duration_ms"`
	TokensIn    int       `json:"tokens_in,omitempty"`
	TokensOut   int       `json:"tokens_out,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordLog persists a tool invocation record.
func (s *Store) RecordLog(entry *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO execution_logs (session_id, tool_name, args_summary, success, duration_ms, tokens_in, tokens_out, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.ToolName, entry.ArgsSummary, boolToInt(entry.Success),
		entry.DurationMS, entry.TokensIn, entry.TokensOut, entry.Error, time.Now().UTC())
	if err != nil {
		logging.StoreError("failed to record execution log: %v", err)
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// RecentLogs returns the newest execution logs, optionally scoped to a
// session.
func (s *Store) RecentLogs(sessionID string, limit int) ([]ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, session_id, tool_name, args_summary, success, duration_ms, tokens_in, tokens_out, error, created_at
	      FROM execution_logs`
	args := []any{}
	if sessionID != "" {
		q += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []ExecutionLog
	for rows.Next() {
		var e ExecutionLog
		var success int
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ToolName, &e.ArgsSummary,
			&success, &e.DurationMS, &e.TokensIn, &e.TokensOut, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Success = success != 0
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// ToolStat aggregates execution logs per tool for monitoring.
type ToolStat struct {
	ToolName      string  `json:"tool_name"`
	Calls         int     `json:"calls"`
	Failures      int     `json:"failures"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	TokensIn      int64   `json:"tokens_in"`
	TokensOut     int64   `json:"tokens_out"`
}

// ToolStats aggregates invocation counts, failure counts, and average
// durations per tool.
func (s *Store) ToolStats() ([]ToolStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT tool_name,
		       COUNT(*),
		       SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		       AVG(duration_ms),
		       COALESCE(SUM(tokens_in), 0),
		       COALESCE(SUM(tokens_out), 0)
		FROM execution_logs
		GROUP BY tool_name
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ToolStat
	for rows.Next() {
		var st ToolStat
		if err := rows.Scan(&st.ToolName, &st.Calls, &st.Failures,
			&st.AvgDurationMS, &st.TokensIn, &st.TokensOut); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// SessionTokenTotals sums token usage over all sessions for the
// monitoring overview.
func (s *Store) SessionTokenTotals() (sessions int, tokens int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err = s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(tokens_used), 0) FROM sessions WHERE project_id = ?",
		s.projectID).Scan(&sessions, &tokens)
	return sessions, tokens, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
