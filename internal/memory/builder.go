// Package memory composes the four context layers into one budgeted
// prompt: the ephemeral conversation window, chunks retrieved for the
// query, stored knowledge facts, and git history for files the query
// names. Every layer is charged against the mode's category caps and
// assembly is deterministic given the same store contents.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"flexicli/internal/budget"
	"flexicli/internal/logging"
	"flexicli/internal/store"
)

// Prompt is the assembled per-turn context, one field per layer.
type Prompt struct {
	System    string
	Ephemeral string
	Retrieved string
	Knowledge string
	Git       string
	User      string

	// Chunks lists the retrieved results backing the Retrieved
	// section, in rank order.
	Chunks []store.ChunkResult
	// Degraded is set when retrieval fell back to keyword search.
	Degraded bool
	// Usage is the budget accounting snapshot for this build.
	Usage budget.Usage
}

// Builder assembles prompts for one session.
type Builder struct {
	st  *store.Store
	man *budget.Manager
	eph *EphemeralLayer

	mu     sync.RWMutex
	system string
	focus  []string
	scope  *scopeFilter
}

// NewBuilder wires a builder over the session's store, budget manager,
// and ephemeral window.
func NewBuilder(st *store.Store, man *budget.Manager, eph *EphemeralLayer, systemPrompt string) *Builder {
	return &Builder{st: st, man: man, eph: eph, system: systemPrompt}
}

// Ephemeral exposes the conversation window so callers can record
// turns and drive checkpoints.
func (b *Builder) Ephemeral() *EphemeralLayer { return b.eph }

// RecordTurn appends a conversation turn to the ephemeral window.
func (b *Builder) RecordTurn(role, content string) {
	b.eph.Add(Turn{Role: role, Content: content})
}

// SetSystemPrompt replaces the system section used by later builds.
func (b *Builder) SetSystemPrompt(s string) {
	b.mu.Lock()
	b.system = s
	b.mu.Unlock()
}

// SetFocusFiles records the paths that boost retrieval proximity,
// typically the files touched most recently.
func (b *Builder) SetFocusFiles(files []string) {
	b.mu.Lock()
	b.focus = append(b.focus[:0:0], files...)
	b.mu.Unlock()
}

// SetScope restricts the retrieved and git layers to paths matching
// the given files or glob patterns. Scoped builders back mini-agents,
// whose memory reads must stay inside the slice of the project they
// were spawned for. An empty scope lifts the restriction.
func (b *Builder) SetScope(files, patterns []string) {
	b.mu.Lock()
	b.scope = newScopeFilter(files, patterns)
	b.mu.Unlock()
}

// BuildPrompt assembles the context for one model call. The system
// prompt and query are mandatory and fail the build when over budget;
// the remaining layers fill greedily until their caps. conv carries
// turns of the in-flight exchange not yet recorded in the ephemeral
// window, newest last.
func (b *Builder) BuildPrompt(ctx context.Context, query string, conv []Turn) (*Prompt, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "BuildPrompt")
	defer timer.Stop()

	b.mu.RLock()
	system := b.system
	focus := append([]string(nil), b.focus...)
	scope := b.scope
	b.mu.RUnlock()

	b.man.Reset()
	p := &Prompt{System: system, User: query}

	if system != "" {
		if _, err := b.man.Add(budget.CategorySystem, system); err != nil {
			return nil, fmt.Errorf("system prompt over budget: %w", err)
		}
	}
	if _, err := b.man.Add(budget.CategoryQuery, query); err != nil {
		return nil, fmt.Errorf("query over budget: %w", err)
	}

	turns := b.eph.Turns()
	turns = append(turns, conv...)
	p.Ephemeral = renderTurnsWithin(b.man, turns)

	chunks, degraded, err := collectRetrieved(ctx, b.st, b.man, query, focus, scope)
	if err != nil {
		return nil, err
	}
	p.Chunks = chunks
	p.Degraded = degraded
	p.Retrieved = renderRetrieved(chunks)

	facts, err := collectKnowledge(b.st, b.man)
	if err != nil {
		return nil, err
	}
	p.Knowledge = renderKnowledge(facts)

	git, err := collectGit(ctx, b.st, b.man, b.st.RootPath(), query, scope)
	if err != nil {
		return nil, err
	}
	p.Git = git

	p.Usage = b.man.Report()
	logging.Get(logging.CategoryMemory).Debug(
		"prompt built: %d turns, %d chunks (degraded=%v), %d facts, git=%dB, input %d/%d",
		len(turns), len(chunks), degraded, len(facts), len(git),
		p.Usage.InputTotal, p.Usage.InputCap)
	return p, nil
}

// renderTurnsWithin keeps the newest turns that fit the ephemeral
// budget and renders them oldest first.
func renderTurnsWithin(man *budget.Manager, turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	kept := make([]string, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		line := turns[i].Role + ": " + turns[i].Content
		if _, err := man.Add(budget.CategoryEphemeral, line+"\n"); err != nil {
			break
		}
		kept = append(kept, line)
	}
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return strings.Join(kept, "\n")
}
