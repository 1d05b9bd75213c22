package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"flexicli/internal/approval"
	"flexicli/internal/bus"
	"flexicli/internal/logging"
	"flexicli/internal/model"
	"flexicli/internal/tools"
)

// ToolCall is one call envelope parsed from a model response, in
// response order.
type ToolCall struct {
	Name string
	Args map[string]any
	Raw  string
}

// CallOutcome records how one tool call went. Exactly one of the
// failure markers is meaningful: Denied when the approval gate said
// no, Err when the call never produced a result, otherwise Result
// carries the tool's own verdict.
type CallOutcome struct {
	Call     ToolCall
	Result   *tools.Result
	Denied   bool
	Recovery string
	Err      string
}

// Failed reports whether the call ended without a successful result.
func (o *CallOutcome) Failed() bool {
	return o.Denied || o.Err != "" || o.Result == nil || !o.Result.Success
}

// Message renders the outcome as the tool-result message handed back
// to the model on the next iteration. Failures are rendered as a JSON
// record so the model can read the reason and correct itself.
func (o *CallOutcome) Message() model.Message {
	var body string
	switch {
	case o.Denied:
		body = `{"error": "call denied by user", "denied": true}`
	case o.Err != "" || o.Result == nil:
		body = o.errorRecord(o.failureText())
	case o.Result.Success:
		body = o.Result.Output
		if o.Result.Truncated {
			body += "\n[output truncated]"
		}
	default:
		body = o.errorRecord(o.Result.Error)
	}
	content := fmt.Sprintf("<tool_result tool=%q success=\"%v\">\n%s\n</tool_result>",
		o.Call.Name, !o.Failed(), body)
	return model.Message{Role: model.RoleUser, Content: content}
}

func (o *CallOutcome) errorRecord(msg string) string {
	record := map[string]any{"tool": o.Call.Name, "error": msg}
	if o.Recovery != "" {
		record["recovery_attempted"] = o.Recovery
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return msg
	}
	return string(raw)
}

// Executor turns parsed tool calls into registry invocations: approval
// first, then invoke, then a tool-result message the model reads back.
// Each failed call gets at most one recovery attempt before its error
// is surfaced.
type Executor struct {
	registry *tools.Registry
	gate     *approval.Gate
	bus      *bus.Bus
	cwd      string
	calls    atomic.Int64
}

// NewExecutor wires an executor. cwd anchors path recovery; eventBus
// may be nil when nothing is monitoring.
func NewExecutor(registry *tools.Registry, gate *approval.Gate, eventBus *bus.Bus, cwd string) *Executor {
	return &Executor{registry: registry, gate: gate, bus: eventBus, cwd: cwd}
}

// CallCount returns the number of tool invocations attempted over the
// executor's lifetime, recoveries not counted.
func (e *Executor) CallCount() int64 { return e.calls.Load() }

// Run executes the calls in order, one outcome per call even when a
// call fails. A non-nil error means the whole run must stop: the user
// terminated from the approval prompt, or ctx ended.
func (e *Executor) Run(ctx context.Context, sessionID string, calls []ToolCall, perms *tools.Permissions, abort <-chan struct{}) ([]CallOutcome, error) {
	outcomes := make([]CallOutcome, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcome, err := e.runOne(ctx, sessionID, call, perms, abort)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (e *Executor) runOne(ctx context.Context, sessionID string, call ToolCall, perms *tools.Permissions, abort <-chan struct{}) (CallOutcome, error) {
	out := CallOutcome{Call: call}
	log := logging.Get(logging.CategoryExecutor)

	tool, err := e.registry.FindByName(call.Name)
	if err != nil {
		out.Err = err.Error()
		e.emitResult(sessionID, call.Name, &out, 0)
		return out, nil
	}
	name := tool.Name()

	e.emit(bus.KindToolExecute, map[string]any{
		"session": sessionID,
		"tool":    name,
		"args":    approval.Summarize(name, call.Args),
	})
	log.Debug("call %s: %s", name, approval.Summarize(name, call.Args))

	if perms != nil && perms.MaxToolCalls > 0 && e.calls.Load() >= int64(perms.MaxToolCalls) {
		out.Err = fmt.Sprintf("tool-call budget exhausted (%d calls)", perms.MaxToolCalls)
		e.emitResult(sessionID, name, &out, 0)
		return out, nil
	}

	approved, err := e.gate.Check(ctx, name, tool.Sensitivity(), call.Args, perms)
	if err != nil {
		if errors.Is(err, approval.ErrTerminated) {
			return out, err
		}
		out.Err = err.Error()
		e.emitResult(sessionID, name, &out, 0)
		return out, nil
	}
	if !approved {
		out.Denied = true
		log.Debug("call %s denied", name)
		e.emitResult(sessionID, name, &out, 0)
		return out, nil
	}

	e.calls.Add(1)
	result, err := e.registry.Invoke(ctx, name, call.Args, perms, abort)
	switch {
	case err != nil:
		out.Err = err.Error()
	case result == nil:
		out.Err = "tool returned no result"
	default:
		out.Result = result
	}

	if out.Failed() {
		if recovered, label := e.recover(ctx, call, name, out.failureText(), perms, abort); label != "" {
			out.Recovery = label
			if recovered != nil {
				out.Result = recovered
				out.Err = ""
			}
			log.Debug("call %s recovery %q (success=%v)", name, label, !out.Failed())
		}
	}

	var duration int64
	if out.Result != nil {
		duration = out.Result.DurationMs
	}
	e.emitResult(sessionID, name, &out, duration)
	return out, nil
}

// failureText folds both failure channels into the text the recovery
// classifier inspects.
func (o *CallOutcome) failureText() string {
	if o.Err != "" {
		return o.Err
	}
	if o.Result != nil {
		return o.Result.Error
	}
	return ""
}

func (e *Executor) emit(kind string, payload map[string]any) {
	if e.bus != nil {
		e.bus.Emit(bus.TopicTool, kind, "orchestrator", payload)
	}
}

func (e *Executor) emitResult(sessionID, tool string, out *CallOutcome, duration int64) {
	payload := map[string]any{
		"session":     sessionID,
		"tool":        tool,
		"success":     !out.Failed(),
		"duration_ms": duration,
	}
	if out.Denied {
		payload["denied"] = true
	}
	if out.Recovery != "" {
		payload["recovery"] = out.Recovery
	}
	e.emit(bus.KindToolResult, payload)
}

// =============================================================================
// ERROR RECOVERY
// =============================================================================

// readOnlySubstitutes maps commands a model commonly reaches for to a
// read-only equivalent likely to exist on the host.
var readOnlySubstitutes = map[string]string{
	"exa":  "ls",
	"lsd":  "ls",
	"fd":   "find",
	"rg":   "grep",
	"ack":  "grep",
	"ag":   "grep",
	"bat":  "cat",
	"htop": "top",
}

// recover applies the single recovery step matching the failure. It
// returns the adopted result when a retry succeeded, and the label of
// the attempted step; both are zero when no step applies.
func (e *Executor) recover(ctx context.Context, call ToolCall, name, failure string, perms *tools.Permissions, abort <-chan struct{}) (*tools.Result, string) {
	lower := strings.ToLower(failure)

	if cmdKey, cmd := commandArg(call.Args); cmd != "" {
		switch {
		case strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline exceeded"):
			if parts := splitCompound(cmd); len(parts) > 1 {
				return e.runDecomposed(ctx, call, name, cmdKey, parts, perms, abort),
					fmt.Sprintf("decomposed into %d sequential commands", len(parts))
			}
		case strings.Contains(lower, "not found") || strings.Contains(lower, "not recognized"):
			fields := strings.Fields(cmd)
			if len(fields) > 0 {
				if substitute, ok := readOnlySubstitutes[fields[0]]; ok {
					fields[0] = substitute
					retry := cloneArgs(call.Args, cmdKey, strings.Join(fields, " "))
					label := fmt.Sprintf("substituted %s", substitute)
					if res, err := e.registry.Invoke(ctx, name, retry, perms, abort); err == nil && res != nil && res.Success {
						return res, label
					}
					return nil, label
				}
			}
		}
		return nil, ""
	}

	pathKey, path := pathArg(call.Args)
	if path == "" {
		return nil, ""
	}
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such file") || strings.Contains(lower, "does not exist"):
		for _, candidate := range relocationCandidates(e.cwd, path) {
			retry := cloneArgs(call.Args, pathKey, candidate)
			if res, err := e.registry.Invoke(ctx, name, retry, perms, abort); err == nil && res != nil && res.Success {
				return res, fmt.Sprintf("relocated to %s", candidate)
			}
		}
		return nil, "probed conventional locations"
	case strings.Contains(lower, "absolute path") || strings.Contains(lower, "must be absolute"):
		if filepath.IsAbs(path) {
			return nil, ""
		}
		resolved := filepath.Join(e.cwd, path)
		retry := cloneArgs(call.Args, pathKey, resolved)
		label := fmt.Sprintf("resolved to %s", resolved)
		if res, err := e.registry.Invoke(ctx, name, retry, perms, abort); err == nil && res != nil && res.Success {
			return res, label
		}
		return nil, label
	}
	return nil, ""
}

// runDecomposed executes the split command parts sequentially and
// folds their outputs into one result. The combined result succeeds
// only when every part did.
func (e *Executor) runDecomposed(ctx context.Context, call ToolCall, name, cmdKey string, parts []string, perms *tools.Permissions, abort <-chan struct{}) *tools.Result {
	var sections []string
	allOK := true
	for _, part := range parts {
		res, err := e.registry.Invoke(ctx, name, cloneArgs(call.Args, cmdKey, part), perms, abort)
		switch {
		case err != nil:
			sections = append(sections, fmt.Sprintf("$ %s\n%v", part, err))
			allOK = false
		case res == nil:
			allOK = false
		case res.Success:
			sections = append(sections, fmt.Sprintf("$ %s\n%s", part, strings.TrimRight(res.Output, "\n")))
		default:
			sections = append(sections, fmt.Sprintf("$ %s\n%s", part, res.Error))
			allOK = false
		}
	}
	return &tools.Result{Success: allOK, Output: strings.Join(sections, "\n")}
}

var andSplitPattern = regexp.MustCompile(`\s+and\s+`)

// splitCompound breaks a compound command on &&, the word "and", and
// commas. Returns nil when the command is not compound.
func splitCompound(cmd string) []string {
	marked := strings.ReplaceAll(cmd, "&&", "\x00")
	marked = andSplitPattern.ReplaceAllString(marked, "\x00")
	marked = strings.ReplaceAll(marked, ",", "\x00")

	var parts []string
	for _, p := range strings.Split(marked, "\x00") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return nil
	}
	return parts
}

// relocationCandidates lists the places a missing file is likely to
// live: the working directory itself, src/, and the language's
// conventional source roots. Absolute requests are probed by basename.
func relocationCandidates(cwd, path string) []string {
	rel := path
	if filepath.IsAbs(rel) {
		rel = filepath.Base(rel)
	}
	roots := append([]string{"", "src"}, langSourceDirs(rel)...)

	var out []string
	seen := map[string]bool{path: true}
	for _, root := range roots {
		candidate := filepath.Join(cwd, root, rel)
		if !seen[candidate] {
			seen[candidate] = true
			out = append(out, candidate)
		}
	}
	return out
}

func langSourceDirs(path string) []string {
	switch filepath.Ext(path) {
	case ".go":
		return []string{"internal", "cmd", "pkg"}
	case ".py":
		return []string{"src", "lib"}
	case ".js", ".jsx", ".ts", ".tsx":
		return []string{"src", "lib"}
	case ".rs":
		return []string{"src"}
	case ".java":
		return []string{"src/main/java"}
	default:
		return nil
	}
}

func cloneArgs(args map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out[key] = value
	return out
}

func pathArg(args map[string]any) (string, string) {
	for _, key := range []string{"path", "file", "filename", "dir", "directory"} {
		if v, ok := args[key].(string); ok && v != "" {
			return key, v
		}
	}
	return "", ""
}

func commandArg(args map[string]any) (string, string) {
	for _, key := range []string{"command", "script"} {
		if v, ok := args[key].(string); ok && v != "" {
			return key, v
		}
	}
	return "", ""
}

// =============================================================================
// RESPONSE PARSING
// =============================================================================

type responseSegment struct {
	text  string
	think bool
}

// splitThink separates <think> regions from the visible response. An
// unterminated region runs to the end of the text.
func splitThink(s string) []responseSegment {
	var segs []responseSegment
	for {
		open := strings.Index(s, "<think>")
		if open < 0 {
			break
		}
		if open > 0 {
			segs = append(segs, responseSegment{text: s[:open]})
		}
		rest := s[open+len("<think>"):]
		end := strings.Index(rest, "</think>")
		if end < 0 {
			return append(segs, responseSegment{text: rest, think: true})
		}
		segs = append(segs, responseSegment{text: rest[:end], think: true})
		s = rest[end+len("</think>"):]
	}
	if s != "" {
		segs = append(segs, responseSegment{text: s})
	}
	return segs
}

// visibleText strips think regions and returns the trimmed remainder.
func visibleText(response string) string {
	var sb strings.Builder
	for _, seg := range splitThink(response) {
		if !seg.think {
			sb.WriteString(seg.text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// ExtractCalls parses tool calls from a model response. Calls inside
// <think> regions are never extracted. Two envelopes are accepted, in
// order of appearance:
//
//	<tool_use>{"name": "read_file", "args": {"path": "x"}}</tool_use>
//
//	function: read_file
//	```json
//	{"path": "x"}
//	```
//
// JSON bodies tolerate trailing commas and unknown keys. A response
// with no envelopes is the final answer.
func ExtractCalls(response string) []ToolCall {
	var calls []ToolCall
	for _, seg := range splitThink(response) {
		if seg.think {
			continue
		}
		calls = append(calls, extractFromSegment(seg.text)...)
	}
	return calls
}

type locatedCall struct {
	start, end int
	call       ToolCall
}

func extractFromSegment(text string) []ToolCall {
	located := findToolUse(text)
	located = append(located, findFunctionCalls(text)...)
	sort.SliceStable(located, func(i, j int) bool { return located[i].start < located[j].start })

	var calls []ToolCall
	consumedTo := -1
	for _, lc := range located {
		if lc.start < consumedTo {
			continue
		}
		consumedTo = lc.end
		calls = append(calls, lc.call)
	}
	return calls
}

func findToolUse(text string) []locatedCall {
	const openTag, closeTag = "<tool_use>", "</tool_use>"
	var out []locatedCall
	base := 0
	for {
		i := strings.Index(text[base:], openTag)
		if i < 0 {
			return out
		}
		open := base + i
		bodyStart := open + len(openTag)
		j := strings.Index(text[bodyStart:], closeTag)
		if j < 0 {
			return out
		}
		end := bodyStart + j + len(closeTag)
		if call, ok := parseEnvelope(text[bodyStart : bodyStart+j]); ok {
			call.Raw = text[open:end]
			out = append(out, locatedCall{start: open, end: end, call: call})
		}
		base = end
	}
}

// parseEnvelope decodes a tool_use body. The model's key choice for
// the argument object varies; all common spellings are accepted and
// anything else in the object is ignored.
func parseEnvelope(body string) (ToolCall, bool) {
	var env struct {
		Name       string         `json:"name"`
		Tool       string         `json:"tool"`
		Args       map[string]any `json:"args"`
		Arguments  map[string]any `json:"arguments"`
		Parameters map[string]any `json:"parameters"`
		Input      map[string]any `json:"input"`
	}
	if err := json.Unmarshal([]byte(repairJSON(body)), &env); err != nil {
		return ToolCall{}, false
	}
	name := strings.TrimSpace(env.Name)
	if name == "" {
		name = strings.TrimSpace(env.Tool)
	}
	if name == "" {
		return ToolCall{}, false
	}
	args := env.Args
	for _, alt := range []map[string]any{env.Arguments, env.Parameters, env.Input} {
		if args == nil {
			args = alt
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{Name: name, Args: args}, true
}

var functionLinePattern = regexp.MustCompile(`(?mi)^[ \t]*function:[ \t]*([A-Za-z0-9_.-]+)[ \t]*$`)

func findFunctionCalls(text string) []locatedCall {
	var out []locatedCall
	for _, m := range functionLinePattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		args := map[string]any{}
		end := m[1]
		if body, consumed, ok := fencedBlock(text[m[1]:]); ok {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(repairJSON(body)), &parsed); err == nil && parsed != nil {
				args = parsed
			}
			end = m[1] + consumed
		}
		out = append(out, locatedCall{
			start: m[0],
			end:   end,
			call:  ToolCall{Name: name, Args: args, Raw: text[m[0]:end]},
		})
	}
	return out
}

// fencedBlock reads a ``` block that starts, give or take whitespace,
// at the beginning of s. Returns the body, how many bytes the block
// consumed, and whether one was found.
func fencedBlock(s string) (string, int, bool) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\r' || s[i] == '\n') {
		i++
	}
	if !strings.HasPrefix(s[i:], "```") {
		return "", 0, false
	}
	afterFence := i + 3
	nl := strings.IndexByte(s[afterFence:], '\n')
	if nl < 0 {
		return "", 0, false
	}
	bodyStart := afterFence + nl + 1
	j := strings.Index(s[bodyStart:], "```")
	if j < 0 {
		return "", 0, false
	}
	return s[bodyStart : bodyStart+j], bodyStart + j + 3, true
}

// repairJSON drops trailing commas before a closing brace or bracket,
// the most common malformation in streamed JSON. String contents pass
// through untouched.
func repairJSON(s string) string {
	out := make([]byte, 0, len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			out = append(out, c)
		case ',':
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
