package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flexicli/internal/tools"
)

// Tool names under which delegation is registered.
const (
	SpawnToolName = "spawn_agent"
	AwaitToolName = "await_agent"
)

// NewSpawnTool exposes the spawner to the model as the spawn_agent
// tool. The caller's own permission set rides along as the spawn
// request, so a delegated agent ends up with template ∩ caller ∩
// policy and can never hold more than its parent. The sensitivity is
// low rather than none, which keeps read-only agents from delegating
// at all.
func NewSpawnTool(sp *Spawner) tools.Tool {
	return &spawnTool{sp: sp}
}

// NewAwaitTool exposes the await_agent tool, the collect half of the
// delegation pair.
func NewAwaitTool(sp *Spawner) tools.Tool {
	return &awaitTool{sp: sp}
}

type spawnTool struct {
	sp *Spawner
}

func (t *spawnTool) Name() string { return SpawnToolName }

func (t *spawnTool) Description() string {
	return "Delegate a focused sub-task to a scoped agent; returns its id immediately, collect the answer with await_agent"
}

func (t *spawnTool) Sensitivity() string { return tools.SensitivityLow }

func (t *spawnTool) ParameterSchema() json.RawMessage {
	names := make([]string, 0, len(AgentTypes()))
	for _, at := range AgentTypes() {
		names = append(names, fmt.Sprintf("%q", string(at)))
	}
	return json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"type":           {"type": "string", "enum": [%s], "description": "Agent template to run"},
			"prompt":         {"type": "string", "minLength": 1, "description": "The task, phrased as a complete instruction"},
			"priority":       {"type": "string", "enum": ["low", "normal", "high"], "description": "Queue priority (default normal)"},
			"files":          {"type": "array", "items": {"type": "string"}, "description": "Files the agent should focus on"},
			"patterns":       {"type": "array", "items": {"type": "string"}, "description": "Search patterns scoping the agent"},
			"max_iterations": {"type": "integer", "minimum": 1, "description": "Reason-act iteration cap"},
			"timeout_ms":     {"type": "integer", "minimum": 1, "description": "Wall-clock budget in milliseconds"}
		},
		"required": ["type", "prompt"]
	}`, strings.Join(names, ", ")))
}

func (t *spawnTool) Invoke(_ context.Context, args map[string]any, perms *tools.Permissions) (*tools.Result, error) {
	task := &AgentTask{
		Type:        AgentType(taskString(args, "type")),
		Prompt:      taskString(args, "prompt"),
		Priority:    ParsePriority(taskString(args, "priority")),
		Permissions: perms,
		Scope: ScopedContext{
			RelevantFiles:  taskStrings(args, "files"),
			SearchPatterns: taskStrings(args, "patterns"),
		},
		MaxIterations: taskInt(args, "max_iterations"),
		TimeoutMS:     taskInt(args, "timeout_ms"),
	}

	id, err := t.sp.Spawn(task)
	if err != nil {
		return tools.Fail(err.Error()), nil
	}
	status := StatusSpawning
	if inst, ierr := t.sp.Instance(id); ierr == nil {
		status = inst.Status
	}
	return tools.Ok(fmt.Sprintf("agent %s %s (%s, priority %s); call await_agent with agent_id %q for its answer",
		id, status, task.Type, task.Priority, id)), nil
}

type awaitTool struct {
	sp *Spawner
}

func (t *awaitTool) Name() string { return AwaitToolName }

func (t *awaitTool) Description() string {
	return "Wait for a spawned agent to finish and return its answer"
}

func (t *awaitTool) Sensitivity() string { return tools.SensitivityNone }

func (t *awaitTool) ParameterSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent_id":   {"type": "string", "minLength": 1, "description": "Id returned by spawn_agent"},
			"timeout_ms": {"type": "integer", "minimum": 1, "description": "Give up waiting after this long; the agent keeps running"}
		},
		"required": ["agent_id"]
	}`)
}

func (t *awaitTool) Invoke(ctx context.Context, args map[string]any, _ *tools.Permissions) (*tools.Result, error) {
	id := taskString(args, "agent_id")
	ms := taskInt(args, "timeout_ms")

	wait := ctx
	if ms > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	res, err := t.sp.Await(wait, id)
	if err == nil {
		answer := ""
		if res != nil {
			answer = strings.TrimSpace(res.Answer)
		}
		if answer == "" {
			return tools.Ok(fmt.Sprintf("agent %s completed with no text answer", id)), nil
		}
		return tools.Ok(answer), nil
	}

	if errors.Is(err, ErrUnknownAgent) {
		return tools.Fail(fmt.Sprintf("unknown agent id %q", id)), nil
	}
	if ctx.Err() != nil {
		// The turn itself was aborted or timed out; that belongs to the
		// machinery, not the model.
		return nil, ctx.Err()
	}
	if wait.Err() != nil && errors.Is(err, wait.Err()) {
		status := "running"
		if inst, ierr := t.sp.Instance(id); ierr == nil {
			status = string(inst.Status)
		}
		return tools.Fail(fmt.Sprintf("agent %s is still %s after %dms; call await_agent again or continue without it",
			id, status, ms)), nil
	}

	status := StatusFailed
	if inst, ierr := t.sp.Instance(id); ierr == nil {
		status = inst.Status
	}
	msg := fmt.Sprintf("agent %s %s: %v", id, status, err)
	if res != nil && strings.TrimSpace(res.Answer) != "" {
		msg += "\npartial answer:\n" + strings.TrimSpace(res.Answer)
	}
	return tools.Fail(msg), nil
}

func taskString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// taskStrings accepts both []any (decoded JSON) and []string
// (in-process callers).
func taskStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func taskInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
