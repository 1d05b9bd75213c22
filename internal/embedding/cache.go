package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"flexicli/internal/logging"
)

// =============================================================================
// FILE CACHE
// =============================================================================

// Cache stores embeddings under <project>/.flexicli/cache/, one JSON
// file per input, named by the SHA-256 of the engine name and text.
// A hit returns without touching the API. Reads are lock-free; writes
// are guarded and atomic via rename.
type Cache struct {
	dir     string
	writeMu sync.Mutex
}

type cacheEntry struct {
	Engine string    `json:"engine"`
	Dims   int       `json:"dims"`
	Vector []float32 `json:"vector"`
}

// NewCache creates the cache directory if needed.
func NewCache(projectDir string) (*Cache, error) {
	dir := filepath.Join(projectDir, ".flexicli", "cache")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Key derives the cache key for an engine/text pair.
func Key(engineName, text string) string {
	h := sha256.New()
	h.Write([]byte(engineName))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached vector, or ok=false on miss or unreadable entry.
func (c *Cache) Get(engineName, text string) ([]float32, bool) {
	data, err := os.ReadFile(filepath.Join(c.dir, Key(engineName, text)+".json"))
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Engine != engineName {
		return nil, false
	}
	return entry.Vector, true
}

// Put stores a vector. Errors are logged, not returned; the cache is
// best-effort.
func (c *Cache) Put(engineName, text string, vec []float32) {
	entry := cacheEntry{Engine: engineName, Dims: len(vec), Vector: vec}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	final := filepath.Join(c.dir, Key(engineName, text)+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logging.Get(logging.CategoryEmbedding).Warn("cache write failed: %v", err)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		logging.Get(logging.CategoryEmbedding).Warn("cache rename failed: %v", err)
		os.Remove(tmp)
	}
}

// =============================================================================
// CACHED ENGINE
// =============================================================================

// CachedEngine wraps an Engine with the file cache.
type CachedEngine struct {
	inner Engine
	cache *Cache
}

// NewCachedEngine wraps engine with cache.
func NewCachedEngine(engine Engine, cache *Cache) *CachedEngine {
	return &CachedEngine{inner: engine, cache: cache}
}

// Embed checks the cache before calling the backend.
func (e *CachedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.cache.Get(e.inner.Name(), text); ok {
		logging.Get(logging.CategoryEmbedding).Debug("cache hit (%d dims)", len(vec))
		return vec, nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Put(e.inner.Name(), text, vec)
	return vec, nil
}

// EmbedBatch serves hits from the cache and fetches only the misses.
func (e *CachedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := e.cache.Get(e.inner.Name(), text); ok {
			vecs[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}
	if len(missTexts) == 0 {
		return vecs, nil
	}

	fetched, err := e.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missTexts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(missTexts), len(fetched))
	}
	for j, vec := range fetched {
		vecs[missIdx[j]] = vec
		e.cache.Put(e.inner.Name(), texts[missIdx[j]], vec)
	}
	return vecs, nil
}

// Dimensions returns the backend's dimensionality.
func (e *CachedEngine) Dimensions() int { return e.inner.Dimensions() }

// Name returns the backend's name.
func (e *CachedEngine) Name() string { return e.inner.Name() }

var _ Engine = (*CachedEngine)(nil)
