package indexer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// fingerprint records the last-indexed state of one file so unchanged
// files are skipped without being read.
type fingerprint struct {
	Size    int64 `json:"size"`
	ModTime int64 `json:"mod_time"`
	Chunks  int   `json:"chunks"`
}

type fingerprintCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]fingerprint
	dirty   bool
}

func loadFingerprints(cacheDir string) *fingerprintCache {
	c := &fingerprintCache{
		path:    filepath.Join(cacheDir, "index.json"),
		entries: make(map[string]fingerprint),
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return c
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		c.entries = make(map[string]fingerprint)
	}
	return c
}

func (c *fingerprintCache) save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

func (c *fingerprintCache) unchanged(rel string, size, modTime int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[rel]
	return ok && e.Size == size && e.ModTime == modTime
}

func (c *fingerprintCache) update(rel string, size, modTime int64, chunks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[rel] = fingerprint{Size: size, ModTime: modTime, Chunks: chunks}
	c.dirty = true
}

func (c *fingerprintCache) remove(rel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[rel]; ok {
		delete(c.entries, rel)
		c.dirty = true
	}
}

// known returns the tracked paths, for pruning files deleted between
// runs.
func (c *fingerprintCache) known() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	return paths
}
