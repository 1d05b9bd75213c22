// Package indexer keeps the chunk index in sync with the working
// tree: a full concurrent walk for the index command, single-file
// updates for the watcher, and fingerprint-based change detection so
// unchanged files cost a stat and nothing more.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"flexicli/internal/budget"
	"flexicli/internal/logging"
	"flexicli/internal/store"
)

// Indexer drives chunking for one project.
type Indexer struct {
	st     *store.Store
	cfg    Config
	prints *fingerprintCache
	pool   sync.Pool
}

// Result summarizes one IndexProject run.
type Result struct {
	Scanned  int           `json:"scanned"`
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Removed  int           `json:"removed"`
	Chunks   int           `json:"chunks"`
	Duration time.Duration `json:"duration"`
}

func New(st *store.Store, tok budget.Tokenizer, cfg Config) *Indexer {
	if cfg.Concurrency <= 0 {
		cfg = DefaultConfig()
	}
	ix := &Indexer{
		st:     st,
		cfg:    cfg,
		prints: loadFingerprints(filepath.Join(st.ProjectDir(), "cache")),
	}
	ix.pool.New = func() any {
		return NewChunker(tok, cfg.MaxChunkLines)
	}
	return ix
}

// IndexProject walks the project and (re)indexes every changed file,
// then prunes chunks whose files are gone.
func (ix *Indexer) IndexProject(ctx context.Context) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "IndexProject")
	defer timer.Stop()
	start := time.Now()

	files, err := Walk(ix.st.RootPath(), ix.cfg)
	if err != nil {
		return nil, fmt.Errorf("project walk failed: %w", err)
	}

	var indexed, skipped, chunks atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Concurrency)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if ix.prints.unchanged(f.Rel, f.Size, f.ModTime.Unix()) {
				skipped.Add(1)
				return nil
			}
			n, err := ix.indexOne(gctx, f.Rel, f.Size, f.ModTime)
			if err != nil {
				logging.Get(logging.CategoryIndex).Warn("index failed for %s: %v", f.Rel, err)
				return nil
			}
			indexed.Add(1)
			chunks.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	removed := ix.pruneDeleted(files)
	if err := ix.prints.save(); err != nil {
		logging.Get(logging.CategoryIndex).Warn("fingerprint save failed: %v", err)
	}

	res := &Result{
		Scanned:  len(files),
		Indexed:  int(indexed.Load()),
		Skipped:  int(skipped.Load()),
		Removed:  removed,
		Chunks:   int(chunks.Load()),
		Duration: time.Since(start),
	}
	logging.Index("indexed %d/%d files (%d chunks, %d removed) in %v",
		res.Indexed, res.Scanned, res.Chunks, res.Removed, res.Duration)
	return res, nil
}

// IndexFile reindexes a single file by project-relative path. Used by
// the watcher after a change settles.
func (ix *Indexer) IndexFile(ctx context.Context, rel string) (int, error) {
	info, err := os.Stat(filepath.Join(ix.st.RootPath(), filepath.FromSlash(rel)))
	if err != nil {
		return 0, err
	}
	if ix.cfg.MaxFileBytes > 0 && info.Size() > ix.cfg.MaxFileBytes {
		return 0, nil
	}
	n, err := ix.indexOne(ctx, rel, info.Size(), info.ModTime())
	if err != nil {
		return 0, err
	}
	if err := ix.prints.save(); err != nil {
		logging.Get(logging.CategoryIndex).Warn("fingerprint save failed: %v", err)
	}
	return n, nil
}

// RemoveFile drops a deleted file's chunks and fingerprint.
func (ix *Indexer) RemoveFile(rel string) error {
	ix.prints.remove(rel)
	if _, err := ix.st.DeleteChunksForPath(rel); err != nil {
		return err
	}
	return ix.prints.save()
}

func (ix *Indexer) indexOne(ctx context.Context, rel string, size int64, modTime time.Time) (int, error) {
	content, err := os.ReadFile(filepath.Join(ix.st.RootPath(), filepath.FromSlash(rel)))
	if err != nil {
		return 0, err
	}
	if isBinary(content) {
		// Remember the skip so the file is not re-read every run.
		ix.prints.update(rel, size, modTime.Unix(), 0)
		return 0, nil
	}

	ck := ix.pool.Get().(*Chunker)
	defer ix.pool.Put(ck)
	chunks := ck.ChunkFile(ctx, rel, content)

	if _, err := ix.st.DeleteChunksForPath(rel); err != nil {
		return 0, err
	}
	written := 0
	for i := range chunks {
		if err := ix.st.UpsertChunk(ctx, &chunks[i]); err != nil {
			return written, err
		}
		written++
	}
	ix.prints.update(rel, size, modTime.Unix(), written)
	return written, nil
}

func (ix *Indexer) pruneDeleted(current []FileEntry) int {
	seen := make(map[string]struct{}, len(current))
	for _, f := range current {
		seen[f.Rel] = struct{}{}
	}
	removed := 0
	for _, rel := range ix.prints.known() {
		if _, ok := seen[rel]; ok {
			continue
		}
		if _, err := ix.st.DeleteChunksForPath(rel); err != nil {
			logging.Get(logging.CategoryIndex).Warn("prune failed for %s: %v", rel, err)
			continue
		}
		ix.prints.remove(rel)
		removed++
	}
	return removed
}

// isBinary sniffs for a NUL byte in the head of the file.
func isBinary(content []byte) bool {
	head := content
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}
