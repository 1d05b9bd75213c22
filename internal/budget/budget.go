package budget

import (
	"errors"
	"fmt"
	"sync"

	"flexicli/internal/config"
)

// Category names a budgeted slice of the prompt or the response.
type Category string

const (
	CategorySystem    Category = "system"
	CategoryQuery     Category = "query"
	CategoryEphemeral Category = "ephemeral"
	CategoryRetrieved Category = "retrieved"
	CategoryKnowledge Category = "knowledge"
	CategoryGit       Category = "git"
	CategoryBuffer    Category = "buffer"
	CategoryOutput    Category = "output"
	CategoryReasoning Category = "reasoning"
)

// Hard ceilings independent of mode.
const (
	InputCeiling  = 128_000
	OutputCeiling = 32_000
)

// ErrBudgetExceeded reports an over-limit addition to a mandatory
// category. Callers must narrow the input or switch mode.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// Caps holds the per-category token limits for one mode.
type Caps struct {
	PerCategory map[Category]int
}

// CapsForMode returns the limits table for a mode.
func CapsForMode(mode config.Mode) Caps {
	switch mode {
	case config.ModeDirect:
		return Caps{PerCategory: map[Category]int{
			CategorySystem:    2_000,
			CategoryQuery:     2_000,
			CategoryEphemeral: 2_000,
			CategoryRetrieved: 10_000,
			CategoryKnowledge: 1_000,
			CategoryGit:       1_000,
			CategoryBuffer:    5_000,
			CategoryOutput:    1_000,
			CategoryReasoning: 200,
		}}
	case config.ModeDeep:
		return Caps{PerCategory: map[Category]int{
			CategorySystem:    6_000,
			CategoryQuery:     4_000,
			CategoryEphemeral: 10_000,
			CategoryRetrieved: 80_000,
			CategoryKnowledge: 2_000,
			CategoryGit:       4_000,
			CategoryBuffer:    15_000,
			CategoryOutput:    15_000,
			CategoryReasoning: 12_000,
		}}
	default: // concise
		return Caps{PerCategory: map[Category]int{
			CategorySystem:    4_000,
			CategoryQuery:     2_000,
			CategoryEphemeral: 5_000,
			CategoryRetrieved: 40_000,
			CategoryKnowledge: 2_000,
			CategoryGit:       2_000,
			CategoryBuffer:    10_000,
			CategoryOutput:    6_000,
			CategoryReasoning: 5_000,
		}}
	}
}

// mandatory categories fail loudly when over limit instead of letting
// the caller truncate.
func mandatory(cat Category) bool {
	switch cat {
	case CategorySystem, CategoryQuery, CategoryBuffer:
		return true
	}
	return false
}

func isOutput(cat Category) bool {
	return cat == CategoryOutput || cat == CategoryReasoning
}

// Usage is the structured accounting report.
type Usage struct {
	Mode        string           `json:"mode"`
	Categories  map[Category]int `json:"categories"`
	Caps        map[Category]int `json:"caps"`
	InputTotal  int              `json:"input_total"`
	OutputTotal int              `json:"output_total"`
	InputCap    int              `json:"input_cap"`
	OutputCap   int              `json:"output_cap"`
}

// Manager tracks token usage for one turn against a mode's caps.
// Safe for concurrent use.
type Manager struct {
	mu   sync.Mutex
	mode config.Mode
	caps Caps
	tok  Tokenizer
	used map[Category]int
}

// NewManager builds a manager for the given mode with the default
// tokenizer.
func NewManager(mode config.Mode) *Manager {
	return NewManagerWithTokenizer(mode, NewTokenizer())
}

// NewManagerWithTokenizer allows injecting the estimator.
func NewManagerWithTokenizer(mode config.Mode, tok Tokenizer) *Manager {
	return &Manager{
		mode: mode,
		caps: CapsForMode(mode),
		tok:  tok,
		used: make(map[Category]int),
	}
}

// Mode returns the manager's mode.
func (m *Manager) Mode() config.Mode { return m.mode }

// Count estimates the tokens in text.
func (m *Manager) Count(text string) int { return m.tok.Count(text) }

// TrimToFit shortens text to at most max tokens, sentence-aware.
func (m *Manager) TrimToFit(text string, max int) string {
	return TrimToFit(m.tok, text, max)
}

// Cap returns the category's limit under the current mode.
func (m *Manager) Cap(cat Category) int {
	return m.caps.PerCategory[cat]
}

// Remaining returns the unused allowance for a category.
func (m *Manager) Remaining(cat Category) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.caps.PerCategory[cat] - m.used[cat]
	if r < 0 {
		return 0
	}
	return r
}

// CanAdd reports whether text fits the category's remaining allowance
// and the relevant hard ceiling.
func (m *Manager) CanAdd(cat Category, text string) bool {
	n := m.tok.Count(text)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fitsLocked(cat, n)
}

func (m *Manager) fitsLocked(cat Category, n int) bool {
	if m.used[cat]+n > m.caps.PerCategory[cat] {
		return false
	}
	if isOutput(cat) {
		return m.outputTotalLocked()+n <= OutputCeiling
	}
	return m.inputTotalLocked()+n <= InputCeiling
}

// Add counts text, verifies it fits, and records it. For mandatory
// categories an over-limit add returns ErrBudgetExceeded; for the rest
// the caller is expected to check CanAdd and trim first, so an
// over-limit add here is also an error.
func (m *Manager) Add(cat Category, text string) (int, error) {
	n := m.tok.Count(text)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fitsLocked(cat, n) {
		if mandatory(cat) {
			return 0, fmt.Errorf("%w: %s needs %d, %d remaining in %s mode",
				ErrBudgetExceeded, cat, n, m.caps.PerCategory[cat]-m.used[cat], m.mode)
		}
		return 0, fmt.Errorf("category %s over limit: %d tokens, %d remaining", cat, n, m.caps.PerCategory[cat]-m.used[cat])
	}
	m.used[cat] += n
	return n, nil
}

// Record accounts an already-counted number of tokens. Used for
// provider-reported usage (output, reasoning) where no local text is
// available to count.
func (m *Manager) Record(cat Category, tokens int) {
	if tokens <= 0 {
		return
	}
	m.mu.Lock()
	m.used[cat] += tokens
	m.mu.Unlock()
}

// Reset clears all recorded usage. Called at the start of each turn.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.used = make(map[Category]int)
	m.mu.Unlock()
}

// Report returns a copy of the current accounting state.
func (m *Manager) Report() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	cats := make(map[Category]int, len(m.used))
	for k, v := range m.used {
		cats[k] = v
	}
	caps := make(map[Category]int, len(m.caps.PerCategory))
	for k, v := range m.caps.PerCategory {
		caps[k] = v
	}
	return Usage{
		Mode:        string(m.mode),
		Categories:  cats,
		Caps:        caps,
		InputTotal:  m.inputTotalLocked(),
		OutputTotal: m.outputTotalLocked(),
		InputCap:    InputCeiling,
		OutputCap:   OutputCeiling,
	}
}

func (m *Manager) inputTotalLocked() int {
	total := 0
	for cat, n := range m.used {
		if !isOutput(cat) {
			total += n
		}
	}
	return total
}

func (m *Manager) outputTotalLocked() int {
	total := 0
	for cat, n := range m.used {
		if isOutput(cat) {
			total += n
		}
	}
	return total
}
