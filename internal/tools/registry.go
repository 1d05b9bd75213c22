package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"flexicli/internal/logging"
)

// defaultInvokeTimeout bounds a single tool call when the caller's
// context carries no deadline of its own.
const defaultInvokeTimeout = 120 * time.Second

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the available tools. Registration happens at startup;
// after that the registry is read-mostly and safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	timeout time.Duration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		timeout: defaultInvokeTimeout,
	}
}

// SetInvokeTimeout overrides the per-call deadline applied when the
// caller's context has none.
func (r *Registry) SetInvokeTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Register adds a tool, compiling its parameter schema. Duplicate names
// and invalid schemas are rejected.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("register: nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("register: tool has empty name")
	}

	var schema *jsonschema.Schema
	if raw := t.ParameterSchema(); len(raw) > 0 {
		compiled, err := jsonschema.CompileString(name+".json", string(raw))
		if err != nil {
			return fmt.Errorf("register %s: bad parameter schema: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.entries[name] = &entry{tool: t, schema: schema}
	logging.Get(logging.CategoryTools).Debug("registered tool %s (sensitivity=%s)", name, t.Sensitivity())
	return nil
}

// MustRegister registers a tool and panics on failure. Intended for
// startup wiring of the builtin set, where a bad schema is a programming
// error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the tool registered under exactly name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// canonical folds a tool name for fuzzy comparison: lowercase,
// separators removed, a trailing "Tool" suffix stripped. The suffix is
// kept when stripping it would leave nothing.
func canonical(name string) string {
	folded := strings.ToLower(name)
	folded = strings.ReplaceAll(folded, "_", "")
	folded = strings.ReplaceAll(folded, "-", "")
	if trimmed := strings.TrimSuffix(folded, "tool"); trimmed != "" {
		folded = trimmed
	}
	return folded
}

// FindByName resolves a possibly sloppy tool name as emitted by a
// model. Matching proceeds exact → canonical → substring; when several
// candidates survive, the most specific wins (longest shared prefix
// with the request, then the shorter name, then lexicographic). On zero
// matches the error carries the full tool list so the failure message
// shown to the model is actionable.
func (r *Registry) FindByName(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[name]; ok {
		return e.tool, nil
	}

	want := canonical(name)
	var candidates []string
	for registered := range r.entries {
		if canonical(registered) == want {
			candidates = append(candidates, registered)
		}
	}
	if len(candidates) == 0 && want != "" {
		for registered := range r.entries {
			have := canonical(registered)
			if strings.Contains(have, want) || strings.Contains(want, have) {
				candidates = append(candidates, registered)
			}
		}
	}

	switch len(candidates) {
	case 0:
		names := make([]string, 0, len(r.entries))
		for registered := range r.entries {
			names = append(names, registered)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %q; available tools: %s",
			ErrToolNotFound, name, strings.Join(names, ", "))
	case 1:
		return r.entries[candidates[0]].tool, nil
	default:
		best := mostSpecific(want, candidates)
		logging.Get(logging.CategoryTools).Debug("fuzzy match %q -> %s (of %d candidates)", name, best, len(candidates))
		return r.entries[best].tool, nil
	}
}

// mostSpecific picks the candidate closest to the requested name:
// longest common canonical prefix first, then the shortest name, then
// lexicographic order for determinism.
func mostSpecific(want string, candidates []string) string {
	sort.Slice(candidates, func(i, j int) bool {
		pi := commonPrefixLen(want, canonical(candidates[i]))
		pj := commonPrefixLen(want, canonical(candidates[j]))
		if pi != pj {
			return pi > pj
		}
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) < len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0]
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// Invoke resolves, authorizes, validates, and runs a tool call. The
// abort channel (when non-nil) and the per-call deadline race; whichever
// fires first cancels the invocation. Tool-level failures come back in
// Result.Error with a nil error; a non-nil error means the call never
// reached the tool or the tool's machinery broke.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, perms *Permissions, abort <-chan struct{}) (*Result, error) {
	tool, err := r.FindByName(name)
	if err != nil {
		return nil, err
	}
	resolved := tool.Name()

	if err := perms.Allows(resolved); err != nil {
		logging.Get(logging.CategoryTools).Warn("refused %s: %v", resolved, err)
		return nil, err
	}
	if perms != nil && perms.ReadOnly && tool.Sensitivity() != SensitivityNone {
		return nil, fmt.Errorf("%w: %q mutates state but the caller is read-only", ErrNotPermitted, resolved)
	}

	r.mu.RLock()
	e := r.entries[resolved]
	timeout := r.timeout
	r.mu.RUnlock()

	if e.schema != nil {
		if err := e.schema.Validate(normalizeArgs(args)); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, resolved, err)
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if _, has := ctx.Deadline(); !has {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if abort != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-abort:
				cancel()
			case <-stop:
			}
		}()
	}

	started := time.Now()
	result, err := tool.Invoke(callCtx, args, perms)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		logging.ToolsError("%s failed after %dms: %v", resolved, elapsed, err)
		return nil, fmt.Errorf("invoke %s: %w", resolved, err)
	}
	if result == nil {
		result = Fail("tool returned no result")
	}
	result.DurationMs = elapsed
	logging.Tools("%s completed in %dms (success=%v, %d bytes)", resolved, elapsed, result.Success, len(result.Output))
	return result, nil
}

// normalizeArgs converts the args map into the shape the schema
// validator expects: json.Unmarshal-style values only. Integers arrive
// as int from in-process callers but as float64 from decoded JSON; the
// validator wants the latter.
func normalizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		return normalizeArgs(t)
	default:
		return v
	}
}

// Catalog renders the registered tools as a block suitable for seeding
// a system prompt: one tool per stanza with its description and raw
// parameter schema.
func (r *Registry) Catalog() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		e := r.entries[name]
		fmt.Fprintf(&b, "### %s\n%s\n", name, e.tool.Description())
		if raw := e.tool.ParameterSchema(); len(raw) > 0 {
			fmt.Fprintf(&b, "Parameters: %s\n", string(raw))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
