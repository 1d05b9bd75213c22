package gitctx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexicli/internal/store"
)

func TestParseHistory(t *testing.T) {
	hashA := strings.Repeat("a", 40)
	hashB := strings.Repeat("b", 40)
	out := fmt.Sprintf(`COMMIT:%s|alice|1700000000|add parser
3	1	internal/parse/parser.go
-	-	assets/logo.png

COMMIT:broken|x
COMMIT:%s|bob|1700000100|trim utils
0	2	internal/parse/util.go
`, hashA, hashB)

	commits := parseHistory([]byte(out))
	require.Len(t, commits, 2, "malformed marker lines are skipped")

	assert.Equal(t, hashA, commits[0].Hash)
	assert.Equal(t, "alice", commits[0].Author)
	assert.Equal(t, "add parser", commits[0].Message)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), commits[0].Date)
	assert.Equal(t, "internal/parse/parser.go +3 -1\nassets/logo.png (binary)", commits[0].DiffSummary)

	assert.Equal(t, "bob", commits[1].Author)
	assert.Equal(t, "internal/parse/util.go +0 -2", commits[1].DiffSummary)
}

func TestIngestOutsideRepo(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir, nil)
	require.NoError(t, err)
	defer st.Close()

	n, err := Ingest(context.Background(), st, dir, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "missing .git is not an error")
}

// ===== real-repo tests =====

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t *testing.T, dir, date string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=tester", "GIT_AUTHOR_EMAIL=tester@example.com",
		"GIT_COMMITTER_NAME=tester", "GIT_COMMITTER_EMAIL=tester@example.com",
	)
	if date != "" {
		cmd.Env = append(cmd.Env, "GIT_AUTHOR_DATE="+date, "GIT_COMMITTER_DATE="+date)
	}
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func commitFile(t *testing.T, dir, name, content, message, date string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	runGit(t, dir, "", "add", "-A")
	runGit(t, dir, date, "commit", "-q", "-m", message)
}

func initRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()
	runGit(t, dir, "", "init", "-q")
	return dir
}

func TestIngestAndStoredSummary(t *testing.T) {
	dir := initRepo(t)
	commitFile(t, dir, "a.go", "package a\n", "add a", "2026-08-01T10:00:00")
	commitFile(t, dir, "b.go", "package b\n", "add b", "2026-08-02T10:00:00")

	st, err := store.Open(dir, nil)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	n, err := Ingest(ctx, st, dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	scanned, err := ScanHistory(ctx, dir, 0)
	require.NoError(t, err)
	require.Len(t, scanned, 2)
	assert.Equal(t, "add a", scanned[0].Message, "oldest first")
	assert.Equal(t, "tester", scanned[0].Author)
	assert.Equal(t, "a.go +1 -0", scanned[0].DiffSummary)

	summary, err := StoredSummary(st, "a.go", 0)
	require.NoError(t, err)
	assert.Contains(t, summary, "add a")
	assert.Contains(t, summary, "a.go +1 -0")
	assert.NotContains(t, summary, "add b", "unrelated commits stay out")

	// Re-ingestion upserts by hash rather than duplicating.
	n, err = Ingest(ctx, st, dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	count, err := st.CommitCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIngestEmptyRepo(t *testing.T) {
	dir := initRepo(t)
	st, err := store.Open(dir, nil)
	require.NoError(t, err)
	defer st.Close()

	n, err := Ingest(context.Background(), st, dir, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileExcerpt(t *testing.T) {
	dir := initRepo(t)
	commitFile(t, dir, "main.go", "package main\n\nfunc main() {}\n", "initial", "2026-08-01T10:00:00")

	excerpt, err := FileExcerpt(context.Background(), dir, "main.go", 0)
	require.NoError(t, err)
	assert.Contains(t, excerpt, "initial")
	assert.Contains(t, excerpt, "+package main")
}

func TestDescribe(t *testing.T) {
	dir := initRepo(t)
	commitFile(t, dir, "x.txt", "x\n", "first", "2026-08-01T10:00:00")

	status, err := Describe(context.Background(), dir)
	require.NoError(t, err)
	assert.NotEmpty(t, status.Branch)
	assert.NotEmpty(t, status.Commit)
	assert.False(t, status.Dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("y"), 0o644))
	status, err = Describe(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, status.Dirty)

	_, err = Describe(context.Background(), t.TempDir())
	assert.Error(t, err)
}
