package store

import (
	"regexp"
	"time"

	"flexicli/internal/logging"
)

// DefaultCommitCap bounds one ingestion run.
const DefaultCommitCap = 200

var commitHashRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// GitCommit is one ingested commit record.
type GitCommit struct {
	ID          int64
	ProjectID   string
	Hash        string
	Author      string
	Date        time.Time
	Message     string
	DiffSummary string
}

// ValidCommitHash reports whether h is a full 40-hex commit hash.
func ValidCommitHash(h string) bool {
	return commitHashRe.MatchString(h)
}

// InsertCommits stores commit records oldest-first. Invalid hashes are
// skipped without aborting; at most cap commits are written (200 when
// cap <= 0). Returns the number inserted.
func (s *Store) InsertCommits(commits []GitCommit, cap int) (int, error) {
	if cap <= 0 {
		cap = DefaultCommitCap
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	skipped := 0
	for _, c := range commits {
		if inserted >= cap {
			break
		}
		if !ValidCommitHash(c.Hash) {
			skipped++
			continue
		}
		_, err := s.db.Exec(`
			INSERT INTO git_commits (project_id, hash, author, commit_date, message, diff_summary)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_id, hash) DO UPDATE SET
				message = excluded.message,
				diff_summary = excluded.diff_summary`,
			s.projectID, c.Hash, c.Author, c.Date, c.Message, c.DiffSummary)
		if err != nil {
			logging.Get(logging.CategoryGit).Warn("commit insert failed for %s: %v", c.Hash[:8], err)
			continue
		}
		inserted++
	}
	if skipped > 0 {
		logging.Get(logging.CategoryGit).Warn("skipped %d commits with invalid hashes", skipped)
	}
	return inserted, nil
}

// CommitsMentioning returns commits whose diff summary names any of
// the given paths, oldest first.
func (s *Store) CommitsMentioning(paths []string, limit int) ([]GitCommit, error) {
	if limit <= 0 {
		limit = 20
	}
	if len(paths) == 0 {
		return nil, nil
	}

	q := `SELECT id, project_id, hash, author, commit_date, message, diff_summary
	      FROM git_commits WHERE project_id = ? AND (`
	args := []any{s.projectID}
	for i, p := range paths {
		if i > 0 {
			q += " OR "
		}
		q += "diff_summary LIKE ?"
		args = append(args, "%"+p+"%")
	}
	q += ") ORDER BY commit_date ASC LIMIT ?"
	args = append(args, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commits []GitCommit
	for rows.Next() {
		var c GitCommit
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Hash, &c.Author, &c.Date, &c.Message, &c.DiffSummary); err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// CommitCount returns how many commits are stored for the project.
func (s *Store) CommitCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM git_commits WHERE project_id = ?", s.projectID).Scan(&n)
	return n, err
}
