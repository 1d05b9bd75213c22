package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexicli/internal/tools"
)

func TestAgentToolsRegister(t *testing.T) {
	s := newTestSpawner(t, &scriptClient{}, nil, nil)

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(NewSpawnTool(s)))
	require.NoError(t, reg.Register(NewAwaitTool(s)))

	spawn, ok := reg.Get(SpawnToolName)
	require.True(t, ok)
	assert.Equal(t, tools.SensitivityLow, spawn.Sensitivity())

	await, ok := reg.Get(AwaitToolName)
	require.True(t, ok)
	assert.Equal(t, tools.SensitivityNone, await.Sensitivity())
}

func TestSpawnToolQueuesAgent(t *testing.T) {
	client := &scriptClient{responses: []string{"the loader lives in config.go"}}
	s := newTestSpawner(t, client, nil, nil)
	spawn := NewSpawnTool(s)

	res, err := spawn.Invoke(context.Background(), map[string]any{
		"type":   "search",
		"prompt": "find the config loader",
	}, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "search-1")
	assert.Contains(t, res.Output, "await_agent")

	got, err := awaitAgent(t, s, "search-1")
	require.NoError(t, err)
	assert.Equal(t, "the loader lives in config.go", got.Answer)
}

func TestSpawnToolPassesScopeAndPriority(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, nil)
	spawn := NewSpawnTool(s)

	// Values arrive the way the executor decodes model JSON: arrays as
	// []any, numbers as float64.
	res, err := spawn.Invoke(context.Background(), map[string]any{
		"type":       "search",
		"prompt":     "map the storage layer",
		"priority":   "high",
		"files":      []any{"store.go", "sessions.go"},
		"patterns":   []any{"func Open"},
		"timeout_ms": float64(30000),
	}, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	s.mu.Lock()
	task := s.agents["search-1"].task
	s.mu.Unlock()
	assert.Equal(t, []string{"store.go", "sessions.go"}, task.Scope.RelevantFiles)
	assert.Equal(t, []string{"func Open"}, task.Scope.SearchPatterns)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, 30000, task.TimeoutMS)
}

func TestSpawnToolNarrowsCallerPermissions(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, nil)
	spawn := NewSpawnTool(s)

	caller := &tools.Permissions{
		Allowed:      []string{"grep", "shell"},
		MaxToolCalls: 3,
	}
	res, err := spawn.Invoke(context.Background(), map[string]any{
		"type":   "search",
		"prompt": "look but do not touch",
	}, caller)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	s.mu.Lock()
	merged := s.agents["search-1"].perms
	s.mu.Unlock()
	assert.Equal(t, []string{"grep"}, merged.Allowed)
	assert.True(t, merged.ReadOnly)
	assert.Equal(t, 3, merged.MaxToolCalls)

	// A caller whose set shares nothing with the template cannot spawn.
	res, err = spawn.Invoke(context.Background(), map[string]any{
		"type":   "search",
		"prompt": "doomed",
	}, &tools.Permissions{Allowed: []string{"shell"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no tools remain")
}

func TestSpawnToolReportsSpawnErrors(t *testing.T) {
	s := newTestSpawner(t, &scriptClient{}, nil, nil)
	spawn := NewSpawnTool(s)

	res, err := spawn.Invoke(context.Background(), map[string]any{
		"type":   "alchemy",
		"prompt": "transmute lead",
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown agent type")

	res, err = spawn.Invoke(context.Background(), map[string]any{
		"type": "search",
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "prompt required")
}

func TestAwaitToolReturnsAnswer(t *testing.T) {
	client := &scriptClient{responses: []string{"nothing suspicious in the diff"}}
	s := newTestSpawner(t, client, nil, nil)

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "review the diff"})
	require.NoError(t, err)

	res, err := NewAwaitTool(s).Invoke(context.Background(), map[string]any{"agent_id": id}, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "nothing suspicious in the diff", res.Output)
}

func TestAwaitToolUnknownAgent(t *testing.T) {
	s := newTestSpawner(t, &scriptClient{}, nil, nil)

	res, err := NewAwaitTool(s).Invoke(context.Background(), map[string]any{"agent_id": "ghost-7"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, `unknown agent id "ghost-7"`)
}

func TestAwaitToolTimeoutKeepsAgentRunning(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, nil)
	await := NewAwaitTool(s)

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "slow dig"})
	require.NoError(t, err)

	res, err := await.Invoke(context.Background(), map[string]any{
		"agent_id":   id,
		"timeout_ms": float64(50),
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "still")
	assert.Contains(t, res.Error, "await_agent again")
	assert.Len(t, s.Active(), 1)

	select {
	case client.release <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("no agent waiting on the model")
	}

	res, err = await.Invoke(context.Background(), map[string]any{"agent_id": id}, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "done", res.Output)
}

func TestAwaitToolSurfacesAgentFailure(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, nil)

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "doomed dig", TimeoutMS: 50})
	require.NoError(t, err)

	res, err := NewAwaitTool(s).Invoke(context.Background(), map[string]any{"agent_id": id}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, id)
	assert.Contains(t, res.Error, "timeout")
}

func TestAwaitToolAbortedTurnPropagates(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, nil)

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "interrupted dig"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res, err := NewAwaitTool(s).Invoke(ctx, map[string]any{"agent_id": id}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}
