package session

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"flexicli/internal/logging"
)

// Task statuses.
const (
	TaskPending = "PENDING"
	TaskRunning = "RUNNING"
	TaskDone    = "DONE"
	TaskFailed  = "FAILED"
)

// Task is one unit of a decomposed prompt. A task with an empty Deps
// list has no ordering constraint and may run in parallel with its
// neighbors; the orchestrator still runs them in emission order to
// keep tool calls in program order.
type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Verb        string   `json:"verb"`
	Path        string   `json:"path,omitempty"`
	Deps        []string `json:"deps,omitempty"`
	Status      string   `json:"status"`
	RetriesMax  int      `json:"retries_max"`
	TimeoutMS   int      `json:"timeout_ms"`
}

// plannerVerbs is the fixed classification table. Items carrying none
// of these fall back to "analyze".
var plannerVerbs = map[string]bool{
	"search": true, "read": true, "write": true, "create": true,
	"edit": true, "run": true, "test": true, "analyze": true,
	"check": true, "find": true,
}

var (
	numberedItemPattern = regexp.MustCompile(`^\d+[.)]\s+`)
	bulletItemPattern   = regexp.MustCompile(`^[-*•]\s+`)
	clauseSplitPattern  = regexp.MustCompile(`(?i)\s*(?:;|(?:,\s*)?\bthen\b)\s*`)

	// taskPathPattern finds the first path-looking token: a filename
	// with an extension or anything with a directory separator.
	taskPathPattern = regexp.MustCompile(
		`[A-Za-z0-9_][A-Za-z0-9_./-]*\.[A-Za-z0-9]+|[A-Za-z0-9_][A-Za-z0-9_.-]*/[A-Za-z0-9_./-]+`)
)

// Complexity is the planner's size estimate for a prompt.
type Complexity struct {
	// Items counts enumerated sub-tasks: numbered lines, bullets,
	// imperative lines, and then-chained clauses inside them.
	Items int
	// Operations counts distinct (verb, path) pairs among the items.
	Operations int
}

// NeedsDecomposition reports whether the prompt warrants planning:
// over 100 estimated sub-tasks, or more than 10 unrelated operations.
func (c Complexity) NeedsDecomposition() bool {
	return c.Items > 100 || c.Operations > 10
}

// Planner breaks prompts into ordered tasks. Classification is purely
// lexical; no model call is involved.
type Planner struct {
	retriesMax     int
	defaultTimeout time.Duration
}

// NewPlanner returns a planner applying the default retry and timeout
// budgets to every task.
func NewPlanner() *Planner {
	return &Planner{retriesMax: 2, defaultTimeout: 10 * time.Minute}
}

// Estimate counts enumerated items and distinct operations without
// building tasks.
func (p *Planner) Estimate(prompt string) Complexity {
	var c Complexity
	ops := make(map[string]bool)
	forEachItem(prompt, func(desc string) bool {
		c.Items++
		verb, path := classifyItem(desc)
		ops[verb+"\x00"+path] = true
		return true
	})
	c.Operations = len(ops)
	return c
}

// Decompose splits the prompt into tasks in a single pass, suitable
// when the estimate stays at or below 100 sub-tasks. Items sharing
// their first 50 characters collapse into one task, and a write-class
// task gains a dependency on the latest read of the same path.
func (p *Planner) Decompose(prompt string) []Task {
	var tasks []Task
	p.parse(prompt, func(t Task) bool {
		tasks = append(tasks, t)
		return true
	})
	logging.Get(logging.CategoryPlanner).Debug("decomposed prompt into %d tasks", len(tasks))
	return tasks
}

// DecomposeStream emits tasks as they are parsed, for prompts too
// large for a single pass. The channel closes when the prompt is
// exhausted or ctx ends.
func (p *Planner) DecomposeStream(ctx context.Context, prompt string) <-chan Task {
	out := make(chan Task, 16)
	go func() {
		defer close(out)
		p.parse(prompt, func(t Task) bool {
			select {
			case out <- t:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out
}

func (p *Planner) parse(prompt string, emit func(Task) bool) {
	seen := make(map[string]bool)
	lastRead := make(map[string]string)
	n := 0
	forEachItem(prompt, func(desc string) bool {
		key := dedupeKey(desc)
		if seen[key] {
			return true
		}
		seen[key] = true

		verb, path := classifyItem(desc)
		n++
		task := Task{
			ID:          fmt.Sprintf("task-%03d", n),
			Description: desc,
			Verb:        verb,
			Path:        path,
			Status:      TaskPending,
			RetriesMax:  p.retriesMax,
			TimeoutMS:   int(p.defaultTimeout / time.Millisecond),
		}
		if path != "" {
			switch verb {
			case "write", "edit", "create":
				if dep, ok := lastRead[path]; ok {
					task.Deps = append(task.Deps, dep)
				}
			case "read":
				lastRead[path] = task.ID
			}
		}
		return emit(task)
	})
}

// forEachItem walks the prompt's enumerated items line by line:
// numbered or bulleted lines, imperative lines opening with a table
// verb, and the clauses "then" or ";" chain inside them. Prose lines
// are context, not work, and are skipped. Stops early when fn returns
// false.
func forEachItem(prompt string, fn func(desc string) bool) {
	sc := bufio.NewScanner(strings.NewReader(prompt))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var item string
		switch {
		case numberedItemPattern.MatchString(line):
			item = numberedItemPattern.ReplaceAllString(line, "")
		case bulletItemPattern.MatchString(line):
			item = bulletItemPattern.ReplaceAllString(line, "")
		case startsWithVerb(line):
			item = line
		default:
			continue
		}
		for _, clause := range clauseSplitPattern.Split(item, -1) {
			if clause = strings.TrimSpace(clause); clause == "" {
				continue
			}
			if !fn(clause) {
				return
			}
		}
	}
}

func startsWithVerb(s string) bool {
	fields := strings.Fields(s)
	return len(fields) > 0 && plannerVerbs[strings.ToLower(fields[0])]
}

// classifyItem picks the item's verb (first table verb mentioned,
// "analyze" when none) and its first path-looking token.
func classifyItem(desc string) (verb, path string) {
	for _, w := range strings.Fields(strings.ToLower(desc)) {
		w = strings.Trim(w, ".,:;!?()\"'`")
		if plannerVerbs[w] {
			verb = w
			break
		}
	}
	if verb == "" {
		verb = "analyze"
	}
	return verb, taskPathPattern.FindString(desc)
}

// dedupeKey is the first 50 characters of the description.
func dedupeKey(desc string) string {
	r := []rune(desc)
	if len(r) > 50 {
		r = r[:50]
	}
	return string(r)
}
