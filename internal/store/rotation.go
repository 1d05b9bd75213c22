package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"flexicli/internal/logging"
)

// Log rotation limits for <project>/.flexicli/logs/.
const (
	maxLogFiles      = 10
	maxLogBytes      = 50 * 1024 * 1024
	maxLogAgeDays    = 30
	logFileExtension = ".log"
)

// RotationResult reports what RotateLogs removed.
type RotationResult struct {
	Deleted    int
	FreedBytes int64
}

// RotateLogs enforces the log retention policy: files older than 30
// days go first, then oldest files until at most 10 files and 50 MB
// remain. Returns what was removed; missing directory is a no-op.
func (s *Store) RotateLogs() (*RotationResult, error) {
	dir := filepath.Join(s.ProjectDir(), "logs")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return &RotationResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	type logFile struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []logFile
	var totalSize int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logFileExtension) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		totalSize += info.Size()
	}

	// Oldest first so trimming walks from the front.
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	result := &RotationResult{}
	cutoff := time.Now().AddDate(0, 0, -maxLogAgeDays)
	remaining := files[:0]
	for _, f := range files {
		if f.modTime.Before(cutoff) {
			if err := os.Remove(f.path); err == nil {
				result.Deleted++
				result.FreedBytes += f.size
				totalSize -= f.size
				continue
			}
		}
		remaining = append(remaining, f)
	}
	files = remaining

	for len(files) > 0 && (len(files) > maxLogFiles || totalSize > maxLogBytes) {
		f := files[0]
		files = files[1:]
		if err := os.Remove(f.path); err != nil {
			logging.Get(logging.CategoryStore).Warn("log rotation could not remove %s: %v", f.path, err)
			continue
		}
		result.Deleted++
		result.FreedBytes += f.size
		totalSize -= f.size
	}

	if result.Deleted > 0 {
		logging.Store("log rotation removed %d files (%d bytes)", result.Deleted, result.FreedBytes)
	}
	return result, nil
}
