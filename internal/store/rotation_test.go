package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLogFile(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("log line\n"), 0o644))
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(p, mod, mod))
	return p
}

func TestRotateLogsEmptyDir(t *testing.T) {
	s := openTestStore(t)
	res, err := s.RotateLogs()
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

func TestRotateLogsTrimsToFileCount(t *testing.T) {
	s := openTestStore(t)
	dir := filepath.Join(s.ProjectDir(), "logs")

	for i := 0; i < maxLogFiles+4; i++ {
		// Older files get larger ages so trimming order is deterministic.
		writeLogFile(t, dir, fmt.Sprintf("2026-08-%02d_session.log", i+1), time.Duration(maxLogFiles+4-i)*time.Hour)
	}
	keep := writeLogFile(t, dir, "notes.txt", 100*time.Hour)

	res, err := s.RotateLogs()
	require.NoError(t, err)
	assert.Equal(t, 4, res.Deleted)
	assert.Positive(t, res.FreedBytes)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	logs := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == logFileExtension {
			logs++
		}
	}
	assert.Equal(t, maxLogFiles, logs)
	_, err = os.Stat(keep)
	assert.NoError(t, err, "non-log files are never rotated")

	// The oldest log files are the ones that went.
	_, err = os.Stat(filepath.Join(dir, "2026-08-01_session.log"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, fmt.Sprintf("2026-08-%02d_session.log", maxLogFiles+4)))
	assert.NoError(t, err)
}

func TestRotateLogsDropsExpired(t *testing.T) {
	s := openTestStore(t)
	dir := filepath.Join(s.ProjectDir(), "logs")

	expired := writeLogFile(t, dir, "ancient.log", time.Duration(maxLogAgeDays+5)*24*time.Hour)
	fresh := writeLogFile(t, dir, "recent.log", time.Hour)

	res, err := s.RotateLogs()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	_, err = os.Stat(expired)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
