package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flexicli/internal/budget"
	"flexicli/internal/logging"
)

// Turn is one conversation exchange held in ephemeral memory.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`

	tokens int
}

// EphemeralConfig bounds the in-memory conversation window.
type EphemeralConfig struct {
	MaxTurns        int           // ring capacity; default 50
	MaxBytes        int           // content byte cap; default 256 KiB
	MaxTokens       int           // content token cap; default 8192
	TTL             time.Duration // turns older than this are dropped; default 15m
	CheckpointEvery int           // ops between checkpoint writes; default 3
}

func (c *EphemeralConfig) applyDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 50
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 256 * 1024
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8192
	}
	if c.TTL <= 0 {
		c.TTL = 15 * time.Minute
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 3
	}
}

// EphemeralLayer keeps recent conversation turns in an LRU ring. The
// oldest turns are evicted when any cap is exceeded, expired turns are
// pruned on every access, and the ring is checkpointed to
// <dir>/ephemeral.json every few operations so a crashed session can
// pick up where it left off.
type EphemeralLayer struct {
	mu     sync.Mutex
	cfg    EphemeralConfig
	tok    budget.Tokenizer
	dir    string // session directory; empty disables checkpointing
	turns  []Turn // oldest first
	bytes  int
	tokens int
	ops    int
}

// NewEphemeral builds the layer. dir is the session directory the
// checkpoint file lives in; pass "" to keep the layer memory-only.
func NewEphemeral(dir string, tok budget.Tokenizer, cfg EphemeralConfig) *EphemeralLayer {
	if tok == nil {
		tok = budget.NewTokenizer()
	}
	cfg.applyDefaults()
	return &EphemeralLayer{cfg: cfg, tok: tok, dir: dir}
}

// Add appends a turn, evicting from the old end until the ring fits
// its caps again. A zero At is stamped with the current time.
func (l *EphemeralLayer) Add(t Turn) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	t.tokens = l.tok.Count(t.Content)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneExpiredLocked(time.Now())
	l.turns = append(l.turns, t)
	l.bytes += len(t.Content)
	l.tokens += t.tokens
	l.evictLocked()

	l.ops++
	if l.dir != "" && l.ops%l.cfg.CheckpointEvery == 0 {
		if err := l.checkpointLocked(); err != nil {
			logging.Get(logging.CategoryMemory).Warn("ephemeral checkpoint failed: %v", err)
		}
	}
}

// Turns returns the live window, oldest first.
func (l *EphemeralLayer) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneExpiredLocked(time.Now())
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Stats reports the current ring occupancy.
func (l *EphemeralLayer) Stats() (turns, bytes, tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneExpiredLocked(time.Now())
	return len(l.turns), l.bytes, l.tokens
}

// Clear drops every buffered turn. A checkpointing layer persists the
// empty window so the cleared state survives a restart.
func (l *EphemeralLayer) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
	l.bytes = 0
	l.tokens = 0
	if l.dir != "" {
		if err := l.checkpointLocked(); err != nil {
			logging.Get(logging.CategoryMemory).Warn("ephemeral checkpoint failed: %v", err)
		}
	}
}

// Checkpoint writes the ring to disk immediately.
func (l *EphemeralLayer) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dir == "" {
		return nil
	}
	return l.checkpointLocked()
}

// Restore loads a previous checkpoint from the layer's directory.
// A missing file is not an error; turns past their TTL are dropped on
// load, so an old checkpoint may legitimately restore nothing.
func (l *EphemeralLayer) Restore() error {
	if l.dir == "" {
		return nil
	}
	data, err := os.ReadFile(l.checkpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read ephemeral checkpoint: %w", err)
	}

	var cp ephemeralCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("failed to parse ephemeral checkpoint: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = l.turns[:0]
	l.bytes = 0
	l.tokens = 0
	for _, t := range cp.Turns {
		t.tokens = l.tok.Count(t.Content)
		l.turns = append(l.turns, t)
		l.bytes += len(t.Content)
		l.tokens += t.tokens
	}
	l.pruneExpiredLocked(time.Now())
	l.evictLocked()
	logging.Get(logging.CategoryMemory).Debug("ephemeral restore: %d turns from %s", len(l.turns), l.checkpointPath())
	return nil
}

type ephemeralCheckpoint struct {
	SavedAt time.Time `json:"saved_at"`
	Turns   []Turn    `json:"turns"`
}

func (l *EphemeralLayer) checkpointPath() string {
	return filepath.Join(l.dir, "ephemeral.json")
}

func (l *EphemeralLayer) checkpointLocked() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	cp := ephemeralCheckpoint{SavedAt: time.Now(), Turns: l.turns}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.checkpointPath(), data, 0o644)
}

func (l *EphemeralLayer) pruneExpiredLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.TTL)
	kept := l.turns[:0]
	for _, t := range l.turns {
		if t.At.Before(cutoff) {
			l.bytes -= len(t.Content)
			l.tokens -= t.tokens
			continue
		}
		kept = append(kept, t)
	}
	l.turns = kept
}

// evictLocked drops the oldest turns until every cap holds. The newest
// turn always survives even when it alone exceeds a cap.
func (l *EphemeralLayer) evictLocked() {
	for len(l.turns) > 1 &&
		(len(l.turns) > l.cfg.MaxTurns || l.bytes > l.cfg.MaxBytes || l.tokens > l.cfg.MaxTokens) {
		old := l.turns[0]
		l.turns = l.turns[1:]
		l.bytes -= len(old.Content)
		l.tokens -= old.tokens
	}
}
