package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexicli/internal/store"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestWalkSkipRules(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.go":                      "package a\n",
		"docs/readme.md":            "# hi\n",
		".github/workflows/ci.yml":  "on: push\n",
		"node_modules/pkg/index.js": "x\n",
		"vendor/dep/dep.go":         "package dep\n",
		".flexicli/logs/today.log":  "log\n",
		".hidden/secret.go":         "package secret\n",
		".env":                      "API_KEY=nope\n",
		"sub/.env":                  "API_KEY=nope\n",
	})
	// Oversized file.
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.dat"), make([]byte, 2048), 0o644))

	cfg := DefaultConfig()
	cfg.MaxFileBytes = 1024

	files, err := Walk(root, cfg)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rels = append(rels, f.Rel)
	}
	sort.Strings(rels)
	assert.Equal(t, []string{".github/workflows/ci.yml", "a.go", "docs/readme.md"}, rels)
}

func TestIndexProjectIncremental(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(root, nil)
	require.NoError(t, err)
	defer st.Close()

	writeTree(t, root, map[string]string{
		"main.go":   "package main\n\nfunc main() {}\n",
		"readme.md": "# project\n",
	})

	ix := New(st, nil, DefaultConfig())
	ctx := context.Background()

	res, err := ix.IndexProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Indexed)
	assert.Zero(t, res.Skipped)
	assert.GreaterOrEqual(t, res.Chunks, 2)

	stats, err := st.GetChunkStats()
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, stats.Total)
	assert.Equal(t, 2, stats.DistinctPath)

	// Second run touches nothing.
	res, err = ix.IndexProject(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Indexed)
	assert.Equal(t, 2, res.Skipped)

	// A changed file is reindexed; fingerprints are second-granular so
	// the mod time is bumped explicitly.
	p := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(p, []byte("package main\n\nfunc main() { println(1) }\n"), 0o644))
	later := time.Now().Add(3 * time.Second)
	require.NoError(t, os.Chtimes(p, later, later))

	res, err = ix.IndexProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, res.Skipped)

	// A deleted file is pruned from the index.
	require.NoError(t, os.Remove(filepath.Join(root, "readme.md")))
	res, err = ix.IndexProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	stats, err = st.GetChunkStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DistinctPath)
}

func TestIndexProjectSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(root, nil)
	require.NoError(t, err)
	defer st.Close()

	writeTree(t, root, map[string]string{"lib.go": "package lib\n"})

	res, err := New(st, nil, DefaultConfig()).IndexProject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)

	// A fresh indexer loads the saved fingerprints and skips.
	res, err = New(st, nil, DefaultConfig()).IndexProject(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Indexed)
	assert.Equal(t, 1, res.Skipped)
}

func TestIndexFileAndRemove(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(root, nil)
	require.NoError(t, err)
	defer st.Close()

	writeTree(t, root, map[string]string{"util.go": "package util\n\nfunc F() {}\n"})
	ix := New(st, nil, DefaultConfig())

	n, err := ix.IndexFile(context.Background(), "util.go")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, ix.RemoveFile("util.go"))
	stats, err := st.GetChunkStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total)

	_, err = ix.IndexFile(context.Background(), "missing.go")
	assert.Error(t, err)
}

func TestIndexSkipsBinary(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(root, nil)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.dat"), []byte("head\x00tail"), 0o644))
	ix := New(st, nil, DefaultConfig())

	n, err := ix.IndexFile(context.Background(), "blob.dat")
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := st.GetChunkStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}
