package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"time"

	"flexicli/internal/embedding"
	"flexicli/internal/logging"
)

// Chunk types.
const (
	ChunkCode = "code"
	ChunkDoc  = "doc"
	ChunkDiff = "diff"
)

// Chunk is an indexed code or doc fragment.
type Chunk struct {
	ID         int64
	ProjectID  string
	Path       string
	Content    string
	ChunkType  string
	TokenCount int
	Hash       string
	StartLine  int
	EndLine    int
	UpdatedAt  time.Time
}

// ContentHash derives the dedupe hash for chunk content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// UpsertChunk stores a chunk, embedding its content when an engine is
// configured. Identity is (path, content-hash, line-span); a matching
// row only has its timestamp and counters refreshed.
func (s *Store) UpsertChunk(ctx context.Context, c *Chunk) error {
	if c.Path == "" {
		return fmt.Errorf("chunk path required")
	}
	if c.ChunkType == "" {
		c.ChunkType = ChunkCode
	}
	if c.Hash == "" {
		c.Hash = ContentHash(c.Content)
	}

	// Embed outside the store lock; network calls never hold it.
	var embJSON string
	var dims int
	if s.engine != nil {
		vec, err := s.engine.Embed(ctx, c.Content)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("chunk embed failed for %s: %v", c.Path, err)
		} else {
			data, err := json.Marshal(embedding.Normalize(vec))
			if err == nil {
				embJSON = string(data)
				dims = len(vec)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO chunks (project_id, path, content, chunk_type, token_count, content_hash, start_line, end_line, embedding, embedding_dims, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT(project_id, path, content_hash, start_line, end_line) DO UPDATE SET
			content = excluded.content,
			chunk_type = excluded.chunk_type,
			token_count = excluded.token_count,
			embedding = COALESCE(excluded.embedding, chunks.embedding),
			embedding_dims = MAX(excluded.embedding_dims, chunks.embedding_dims),
			updated_at = excluded.updated_at`,
		s.projectID, c.Path, c.Content, c.ChunkType, c.TokenCount, c.Hash,
		c.StartLine, c.EndLine, embJSON, dims, now)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		c.ID = id
	}
	c.UpdatedAt = now
	return nil
}

// DeleteChunksForPath removes all chunks of a file, used when the
// indexer sees a change or deletion.
func (s *Store) DeleteChunksForPath(p string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM chunks WHERE project_id = ? AND path = ?", s.projectID, p)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ChunkStats summarizes the index for status reporting.
type ChunkStats struct {
	Total        int            `json:"total"`
	ByType       map[string]int `json:"by_type"`
	WithVectors  int            `json:"with_vectors"`
	DistinctPath int            `json:"distinct_paths"`
}

// ChunkTokenTotal sums token counts over the whole index for the
// monitoring memory report.
func (s *Store) ChunkTokenTotal() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	err := s.db.QueryRow(
		"SELECT COALESCE(SUM(token_count), 0) FROM chunks WHERE project_id = ?",
		s.projectID).Scan(&total)
	return total, err
}

// GetChunkStats counts indexed chunks.
func (s *Store) GetChunkStats() (*ChunkStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &ChunkStats{ByType: make(map[string]int)}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM chunks WHERE project_id = ?", s.projectID).Scan(&stats.Total); err != nil {
		return nil, err
	}
	s.db.QueryRow("SELECT COUNT(*) FROM chunks WHERE project_id = ? AND embedding IS NOT NULL", s.projectID).Scan(&stats.WithVectors)
	s.db.QueryRow("SELECT COUNT(DISTINCT path) FROM chunks WHERE project_id = ?", s.projectID).Scan(&stats.DistinctPath)

	rows, err := s.db.Query("SELECT chunk_type, COUNT(*) FROM chunks WHERE project_id = ? GROUP BY chunk_type", s.projectID)
	if err != nil {
		return stats, nil
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err == nil {
			stats.ByType[typ] = n
		}
	}
	return stats, nil
}

// =============================================================================
// SEMANTIC SEARCH
// =============================================================================

// SearchOptions filter and bound a chunk search.
type SearchOptions struct {
	K             int           // results wanted; default 12
	PathGlob      string        // e.g. "internal/**.go" or "*.md"
	ChunkType     string        // code, doc, diff; empty = all
	RecencyWindow time.Duration // only chunks updated within the window
	FocusFiles    []string      // paths boosting proximity score
	MinSimilarity float64       // default 0.7
}

// ChunkResult is one search hit.
type ChunkResult struct {
	Chunk      Chunk
	Similarity float64
	Score      float64
	Degraded   bool
}

// SearchChunks embeds the query and ranks indexed chunks by
// similarity + 0.3*focus proximity + 0.2*exp(-age_days/7). Hits below
// the similarity threshold are dropped even if fewer than K remain.
// Without an engine, or when embedding fails, keyword overlap ranking
// is used and results carry Degraded=true.
func (s *Store) SearchChunks(ctx context.Context, query string, opts SearchOptions) ([]ChunkResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchChunks")
	defer timer.Stop()

	if s.engine == nil {
		return s.searchKeyword(query, opts)
	}
	vec, err := s.engine.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("query embed failed, degrading to keywords: %v", err)
		return s.searchKeyword(query, opts)
	}
	return s.SearchByVector(embedding.Normalize(vec), opts)
}

// SearchByVector ranks chunks against an already-computed query vector.
func (s *Store) SearchByVector(queryVec []float32, opts SearchOptions) ([]ChunkResult, error) {
	normalizeSearchOptions(&opts)

	candidates, err := s.loadCandidates(opts, true)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]ChunkResult, 0, len(candidates))
	for _, cand := range candidates {
		var vec []float32
		if err := json.Unmarshal([]byte(cand.embJSON), &vec); err != nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		if sim < opts.MinSimilarity {
			continue
		}
		results = append(results, ChunkResult{
			Chunk:      cand.chunk,
			Similarity: sim,
			Score:      sim + 0.3*focusProximity(cand.chunk.Path, opts.FocusFiles) + 0.2*recencyBoost(now, cand.chunk.UpdatedAt),
		})
	}
	sortResults(results)
	if len(results) > opts.K {
		results = results[:opts.K]
	}
	return results, nil
}

// searchKeyword is the degraded path: token-set overlap, no similarity
// threshold (overlap lives on a different scale), Degraded flagged.
func (s *Store) searchKeyword(query string, opts SearchOptions) ([]ChunkResult, error) {
	normalizeSearchOptions(&opts)

	candidates, err := s.loadCandidates(opts, false)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]ChunkResult, 0, len(candidates))
	for _, cand := range candidates {
		overlap := embedding.TokenSetOverlap(query, cand.chunk.Content)
		if overlap <= 0 {
			continue
		}
		results = append(results, ChunkResult{
			Chunk:      cand.chunk,
			Similarity: overlap,
			Score:      overlap + 0.3*focusProximity(cand.chunk.Path, opts.FocusFiles) + 0.2*recencyBoost(now, cand.chunk.UpdatedAt),
			Degraded:   true,
		})
	}
	sortResults(results)
	if len(results) > opts.K {
		results = results[:opts.K]
	}
	return results, nil
}

type chunkCandidate struct {
	chunk   Chunk
	embJSON string
}

func (s *Store) loadCandidates(opts SearchOptions, requireEmbedding bool) ([]chunkCandidate, error) {
	q := `SELECT id, project_id, path, content, chunk_type, token_count, content_hash, start_line, end_line, COALESCE(embedding, ''), updated_at
	      FROM chunks WHERE project_id = ?`
	args := []any{s.projectID}
	if requireEmbedding {
		q += " AND embedding IS NOT NULL"
	}
	if opts.ChunkType != "" {
		q += " AND chunk_type = ?"
		args = append(args, opts.ChunkType)
	}
	if opts.RecencyWindow > 0 {
		q += " AND updated_at >= ?"
		args = append(args, time.Now().UTC().Add(-opts.RecencyWindow))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chunkCandidate
	for rows.Next() {
		var cand chunkCandidate
		c := &cand.chunk
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Path, &c.Content, &c.ChunkType,
			&c.TokenCount, &c.Hash, &c.StartLine, &c.EndLine, &cand.embJSON, &c.UpdatedAt); err != nil {
			continue
		}
		if opts.PathGlob != "" && !globMatch(opts.PathGlob, c.Path) {
			continue
		}
		out = append(out, cand)
	}
	return out, rows.Err()
}

func normalizeSearchOptions(opts *SearchOptions) {
	if opts.K <= 0 {
		opts.K = 12
	}
	if opts.MinSimilarity == 0 {
		opts.MinSimilarity = 0.7
	}
}

// sortResults orders by score, breaking ties by similarity desc, then
// recency desc, then path asc.
func sortResults(results []ChunkResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if !results[i].Chunk.UpdatedAt.Equal(results[j].Chunk.UpdatedAt) {
			return results[i].Chunk.UpdatedAt.After(results[j].Chunk.UpdatedAt)
		}
		return results[i].Chunk.Path < results[j].Chunk.Path
	})
}

// focusProximity scores 1 for a focus file itself, 0.5 for a sibling
// in the same directory, 0 otherwise.
func focusProximity(chunkPath string, focus []string) float64 {
	if len(focus) == 0 {
		return 0
	}
	best := 0.0
	for _, f := range focus {
		if f == chunkPath {
			return 1
		}
		if path.Dir(toSlash(f)) == path.Dir(toSlash(chunkPath)) && best < 0.5 {
			best = 0.5
		}
	}
	return best
}

func recencyBoost(now, updatedAt time.Time) float64 {
	ageDays := now.Sub(updatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / 7)
}

// globMatch applies a path glob. "**" crosses directory separators;
// a bare pattern without a slash also matches the file's base name.
func globMatch(pattern, p string) bool {
	pattern = toSlash(pattern)
	p = toSlash(p)

	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		prefix, suffix := parts[0], parts[1]
		if !strings.HasPrefix(p, prefix) {
			return false
		}
		rest := strings.TrimPrefix(p, prefix)
		if suffix == "" || suffix == "/" {
			return true
		}
		suffix = strings.TrimPrefix(suffix, "/")
		if ok, _ := path.Match(suffix, path.Base(rest)); ok {
			return true
		}
		return strings.HasSuffix(rest, strings.TrimPrefix(suffix, "*"))
	}

	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(p))
		return ok
	}
	return false
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
