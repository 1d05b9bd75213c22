package memory

import (
	"context"
	"fmt"
	"strings"

	"flexicli/internal/budget"
	"flexicli/internal/logging"
	"flexicli/internal/store"
)

// Retrieval asks for a small result set first and widens only when the
// whole set fit, so a tight budget never pays for chunks it will drop.
const (
	retrievedInitialK = 12
	retrievedMaxK     = 30
)

// collectRetrieved fills the retrieved category with ranked chunks for
// the query. Chunks are charged against the budget in rank order and
// collection stops at the first chunk that would overflow. Duplicate
// (path, content-hash, line-span) hits are skipped. The second return
// reports keyword-fallback degradation.
func collectRetrieved(ctx context.Context, st *store.Store, man *budget.Manager, query string, focus []string, scope *scopeFilter) ([]store.ChunkResult, bool, error) {
	opts := store.SearchOptions{K: retrievedInitialK, FocusFiles: focus}
	results, err := st.SearchChunks(ctx, query, opts)
	if err != nil {
		return nil, false, fmt.Errorf("chunk retrieval failed: %w", err)
	}

	seen := make(map[string]bool)
	kept, full := fillRetrieved(man, nil, results, seen, scope)

	// Widen only when the initial set was exhausted with budget left.
	// A scoped search widens whenever the first page filled, since the
	// scope may have discarded most of it.
	if !full && len(results) == retrievedInitialK && (scope != nil || len(kept) == len(results)) {
		opts.K = retrievedMaxK
		wide, err := st.SearchChunks(ctx, query, opts)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("retrieval expansion failed: %v", err)
		} else {
			kept, _ = fillRetrieved(man, kept, wide, seen, scope)
		}
	}

	degraded := false
	for _, r := range kept {
		if r.Degraded {
			degraded = true
			break
		}
	}
	return kept, degraded, nil
}

func fillRetrieved(man *budget.Manager, kept []store.ChunkResult, results []store.ChunkResult, seen map[string]bool, scope *scopeFilter) ([]store.ChunkResult, bool) {
	for _, r := range results {
		if len(kept) >= retrievedMaxK {
			return kept, true
		}
		if !scope.allows(r.Chunk.Path) {
			continue
		}
		key := fmt.Sprintf("%s\x00%s\x00%d-%d", r.Chunk.Path, r.Chunk.Hash, r.Chunk.StartLine, r.Chunk.EndLine)
		if seen[key] {
			continue
		}
		if _, err := man.Add(budget.CategoryRetrieved, renderChunk(r)); err != nil {
			return kept, true
		}
		seen[key] = true
		kept = append(kept, r)
	}
	return kept, false
}

func renderChunk(r store.ChunkResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### %s (lines %d-%d)\n", r.Chunk.Path, r.Chunk.StartLine, r.Chunk.EndLine)
	sb.WriteString(r.Chunk.Content)
	if !strings.HasSuffix(r.Chunk.Content, "\n") {
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderRetrieved(results []store.ChunkResult) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, r := range results {
		sb.WriteString(renderChunk(r))
	}
	return strings.TrimRight(sb.String(), "\n")
}
