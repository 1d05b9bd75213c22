package store

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidCommitHash(t *testing.T) {
	assert.True(t, ValidCommitHash(strings.Repeat("a1", 20)))
	assert.False(t, ValidCommitHash("abc123"))
	assert.False(t, ValidCommitHash(strings.Repeat("A1", 20)), "uppercase rejected")
	assert.False(t, ValidCommitHash(strings.Repeat("g1", 20)))
	assert.False(t, ValidCommitHash(strings.Repeat("a", 41)))
}

func TestInsertCommitsSkipsInvalid(t *testing.T) {
	s := openTestStore(t)

	commits := []GitCommit{
		{Hash: strings.Repeat("ab", 20), Author: "alice", Message: "first", Date: time.Now().Add(-2 * time.Hour)},
		{Hash: "not-a-hash", Author: "bob", Message: "bad"},
		{Hash: strings.Repeat("cd", 20), Author: "carol", Message: "second", Date: time.Now().Add(-time.Hour)},
	}
	n, err := s.InsertCommits(commits, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.CommitCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInsertCommitsCap(t *testing.T) {
	s := openTestStore(t)

	commits := make([]GitCommit, 0, DefaultCommitCap+50)
	for i := 0; i < DefaultCommitCap+50; i++ {
		commits = append(commits, GitCommit{
			Hash:    fmt.Sprintf("%040x", i+1),
			Message: fmt.Sprintf("commit %d", i),
			Date:    time.Now().Add(-time.Duration(i) * time.Minute),
		})
	}
	n, err := s.InsertCommits(commits, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCommitCap, n)

	count, err := s.CommitCount()
	require.NoError(t, err)
	assert.Equal(t, DefaultCommitCap, count)
}

func TestInsertCommitsUpsertByHash(t *testing.T) {
	s := openTestStore(t)

	hash := strings.Repeat("ef", 20)
	_, err := s.InsertCommits([]GitCommit{{Hash: hash, Message: "original"}}, 0)
	require.NoError(t, err)
	_, err = s.InsertCommits([]GitCommit{{Hash: hash, Message: "amended", DiffSummary: "a.go"}}, 0)
	require.NoError(t, err)

	count, err := s.CommitCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	found, err := s.CommitsMentioning([]string{"a.go"}, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "amended", found[0].Message)
}

func TestCommitsMentioningOldestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-3 * time.Hour)
	commits := []GitCommit{
		{Hash: fmt.Sprintf("%040x", 101), Message: "newest", Date: base.Add(2 * time.Hour), DiffSummary: "internal/app/server.go | 5 +"},
		{Hash: fmt.Sprintf("%040x", 102), Message: "oldest", Date: base, DiffSummary: "internal/app/server.go | 12 ++"},
		{Hash: fmt.Sprintf("%040x", 103), Message: "unrelated", Date: base.Add(time.Hour), DiffSummary: "docs/readme.md | 1 +"},
	}
	_, err := s.InsertCommits(commits, 0)
	require.NoError(t, err)

	found, err := s.CommitsMentioning([]string{"internal/app/server.go"}, 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "oldest", found[0].Message)
	assert.Equal(t, "newest", found[1].Message)

	none, err := s.CommitsMentioning(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
