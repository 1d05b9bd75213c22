package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecentLogs(t *testing.T) {
	s := openTestStore(t)

	entries := []ExecutionLog{
		{SessionID: "sess-a", ToolName: "read_file", ArgsSummary: "path=main.go", Success: true, DurationMS: 4, TokensIn: 10, TokensOut: 200},
		{SessionID: "sess-a", ToolName: "shell", ArgsSummary: "cmd=ls", Success: false, Error: "exit 1", DurationMS: 30},
		{SessionID: "sess-b", ToolName: "read_file", ArgsSummary: "path=go.mod", Success: true, DurationMS: 2},
	}
	for i := range entries {
		require.NoError(t, s.RecordLog(&entries[i]))
		assert.NotZero(t, entries[i].ID)
	}

	all, err := s.RecentLogs("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "sess-b", all[0].SessionID, "newest first")
	assert.False(t, all[1].Success)
	assert.Equal(t, "exit 1", all[1].Error)

	scoped, err := s.RecentLogs("sess-a", 0)
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	for _, e := range scoped {
		assert.Equal(t, "sess-a", e.SessionID)
	}

	limited, err := s.RecentLogs("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestToolStats(t *testing.T) {
	s := openTestStore(t)

	for _, e := range []ExecutionLog{
		{SessionID: "s1", ToolName: "read_file", Success: true, DurationMS: 10, TokensIn: 5, TokensOut: 100},
		{SessionID: "s1", ToolName: "read_file", Success: false, DurationMS: 30, TokensIn: 5},
		{SessionID: "s1", ToolName: "write_file", Success: true, DurationMS: 8, TokensIn: 50},
	} {
		entry := e
		require.NoError(t, s.RecordLog(&entry))
	}

	stats, err := s.ToolStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "read_file", stats[0].ToolName, "most-called tool first")
	assert.Equal(t, 2, stats[0].Calls)
	assert.Equal(t, 1, stats[0].Failures)
	assert.InDelta(t, 20.0, stats[0].AvgDurationMS, 1e-9)
	assert.EqualValues(t, 10, stats[0].TokensIn)
	assert.EqualValues(t, 100, stats[0].TokensOut)

	assert.Equal(t, "write_file", stats[1].ToolName)
	assert.Zero(t, stats[1].Failures)
}

func TestSessionTokenTotals(t *testing.T) {
	s := openTestStore(t)

	a, err := s.StartSession("concise")
	require.NoError(t, err)
	require.NoError(t, s.TouchSession(a.ID, 1, 1200))
	b, err := s.StartSession("deep")
	require.NoError(t, err)
	require.NoError(t, s.TouchSession(b.ID, 2, 800))

	sessions, tokens, err := s.SessionTokenTotals()
	require.NoError(t, err)
	assert.Equal(t, 2, sessions)
	assert.EqualValues(t, 2000, tokens)
}
