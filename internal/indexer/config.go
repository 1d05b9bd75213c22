package indexer

import (
	"os"
	"runtime"
	"strconv"
)

// Config controls walking and chunking scope.
type Config struct {
	// MaxFileBytes skips files larger than this. Hash-free skip, the
	// file is never read.
	MaxFileBytes int64
	// MaxChunkLines bounds one chunk; larger declarations are split
	// into plain windows.
	MaxChunkLines int
	// Concurrency limits parallel file workers.
	Concurrency int
	// IgnorePatterns skips matching paths and directory names,
	// relative to the project root.
	IgnorePatterns []string
}

// DefaultConfig returns defaults sized for large repositories.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	if workers > 20 {
		workers = 20
	}
	if workers < 4 {
		workers = 4
	}
	if env := os.Getenv("FLEXICLI_INDEX_WORKERS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil && v > 0 {
			workers = v
		}
	}

	maxBytes := int64(2 * 1024 * 1024)
	if env := os.Getenv("FLEXICLI_INDEX_MAX_BYTES"); env != "" {
		if v, err := strconv.ParseInt(env, 10, 64); err == nil && v > 0 {
			maxBytes = v
		}
	}

	return Config{
		MaxFileBytes:  maxBytes,
		MaxChunkLines: 120,
		Concurrency:   workers,
		IgnorePatterns: []string{
			"node_modules",
			"vendor",
			"dist",
			"build",
			".next",
			"target",
			"bin",
			"obj",
			".terraform",
			".venv",
			".cache",
			".env",
		},
	}
}
