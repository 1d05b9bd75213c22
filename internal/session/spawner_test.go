package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"flexicli/internal/bus"
	"flexicli/internal/config"
	"flexicli/internal/model"
	"flexicli/internal/store"
	"flexicli/internal/tools"
)

func TestMain(m *testing.M) {
	// opencensus starts a background worker from package init via the
	// genai dependency chain; it is not ours to stop.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// gateClient blocks every model call until released, recording the
// order prompts arrive in. Lets tests hold agents mid-flight and
// observe scheduling.
type gateClient struct {
	release chan struct{}

	mu    sync.Mutex
	order []string
}

func newGateClient() *gateClient {
	return &gateClient{release: make(chan struct{})}
}

func (c *gateClient) Chat(ctx context.Context, messages []model.Message, _ config.Mode) (*model.Stream, error) {
	c.mu.Lock()
	c.order = append(c.order, messages[len(messages)-1].Content)
	c.mu.Unlock()
	select {
	case <-c.release:
		return model.NewStaticStream("done", model.Usage{}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *gateClient) seen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *gateClient) prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func newTestSpawner(t *testing.T, client model.Client, eventBus *bus.Bus, mutate func(*SpawnerConfig)) *Spawner {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&stubTool{name: "grep",
		invoke: func(map[string]any) (*tools.Result, error) { return tools.Ok("match"), nil }}))

	cfg := SpawnerConfig{
		TickInterval: 10 * time.Millisecond,
		Cwd:          t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSpawner(SpawnerDeps{
		Store:    st,
		Client:   client,
		Registry: registry,
		Bus:      eventBus,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func awaitAgent(t *testing.T, s *Spawner, id string) (*TurnResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Await(ctx, id)
}

func TestSpawnRunsAgentToCompletion(t *testing.T) {
	client := &scriptClient{responses: []string{"searched and found nothing"}}
	s := newTestSpawner(t, client, nil, nil)

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "find the config loader"})
	require.NoError(t, err)
	assert.Equal(t, "search-1", id)

	res, err := awaitAgent(t, s, id)
	require.NoError(t, err)
	assert.Equal(t, "searched and found nothing", res.Answer)

	inst, err := s.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, 1, inst.Iterations)
	assert.False(t, inst.FinishedAt.IsZero())
	assert.Empty(t, s.Active())
}

func TestSpawnPrefixesTemplatePrompt(t *testing.T) {
	client := &scriptClient{}
	s := newTestSpawner(t, client, nil, nil)

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "look around"})
	require.NoError(t, err)
	_, err = awaitAgent(t, s, id)
	require.NoError(t, err)

	first := client.request(0)
	require.Equal(t, model.RoleSystem, first[0].Role)
	assert.Contains(t, first[0].Content, "You are a search agent.")
	assert.Contains(t, first[0].Content, "### grep")
}

func TestSpawnValidatesTasks(t *testing.T) {
	s := newTestSpawner(t, &scriptClient{}, nil, nil)

	_, err := s.Spawn(&AgentTask{Type: AgentSearch})
	assert.ErrorContains(t, err, "prompt required")

	_, err = s.Spawn(&AgentTask{Type: "alchemy", Prompt: "transmute"})
	assert.ErrorIs(t, err, ErrUnknownAgentType)

	_, err = s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "x", TimeoutMS: -1})
	assert.ErrorContains(t, err, "negative")
}

func TestMergePermissionsIntersects(t *testing.T) {
	s := newTestSpawner(t, &scriptClient{}, nil, nil)
	tpl := s.templates[AgentSearch]

	merged, err := s.mergePermissions(tpl, &tools.Permissions{
		Allowed:      []string{"grep", "shell"},
		MaxToolCalls: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"grep"}, merged.Allowed)
	assert.True(t, merged.ReadOnly)
	assert.Equal(t, 3, merged.MaxToolCalls)

	_, err = s.mergePermissions(tpl, &tools.Permissions{Allowed: []string{"shell"}})
	assert.ErrorIs(t, err, ErrNoToolsAllowed)
}

func TestMergePermissionsAppliesPolicyCeiling(t *testing.T) {
	s := newTestSpawner(t, &scriptClient{}, nil, func(cfg *SpawnerConfig) {
		cfg.Policy = &tools.Permissions{MaxToolCalls: 2}
	})

	merged, err := s.mergePermissions(s.templates[AgentGeneral], nil)
	require.NoError(t, err)
	assert.Equal(t, 2, merged.MaxToolCalls)
	assert.False(t, merged.DangerousOperations)
}

func TestQueueOrdersByPriority(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, func(cfg *SpawnerConfig) {
		cfg.MaxConcurrent = 1
	})
	releaseOne := func() {
		select {
		case client.release <- struct{}{}:
		case <-time.After(2 * time.Second):
			t.Fatal("no agent waiting on the model")
		}
	}

	first, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "occupy the slot"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.seen() >= 1 }, 2*time.Second, 5*time.Millisecond)

	low, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "low job", Priority: PriorityLow})
	require.NoError(t, err)
	normal, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "normal job", Priority: PriorityNormal})
	require.NoError(t, err)
	high, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "high job", Priority: PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, 3, s.QueueDepth())

	for i := 0; i < 4; i++ {
		releaseOne()
	}
	for _, id := range []string{first, high, normal, low} {
		_, err := awaitAgent(t, s, id)
		require.NoError(t, err)
	}

	assert.Equal(t,
		[]string{"occupy the slot", "high job", "normal job", "low job"},
		client.prompts())
	assert.Zero(t, s.QueueDepth())
}

func TestSpawnDefaultsToNormalPriority(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, func(cfg *SpawnerConfig) {
		cfg.MaxConcurrent = 1
	})

	first, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "occupy the slot"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.seen() >= 1 }, 2*time.Second, 5*time.Millisecond)

	low, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "low job", Priority: PriorityLow})
	require.NoError(t, err)
	plain, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "unranked job"})
	require.NoError(t, err)

	inst, err := s.Instance(plain)
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, inst.Priority)

	close(client.release)
	for _, id := range []string{first, plain, low} {
		_, err := awaitAgent(t, s, id)
		require.NoError(t, err)
	}
	// A task spawned without a priority outranks an explicitly low one.
	assert.Equal(t,
		[]string{"occupy the slot", "unranked job", "low job"},
		client.prompts())
}

func TestQueueRejectsWhenFull(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, func(cfg *SpawnerConfig) {
		cfg.MaxConcurrent = 1
		cfg.QueueSize = 2
	})

	_, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "hold the slot"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.seen() >= 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: fmt.Sprintf("queued %d", i)})
		require.NoError(t, err)
	}
	_, err = s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "one too many"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestCancelStopsQueuedAgent(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, func(cfg *SpawnerConfig) {
		cfg.MaxConcurrent = 1
	})

	_, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "hold the slot"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.seen() >= 1 }, 2*time.Second, 5*time.Millisecond)

	queued, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "never runs"})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(queued))

	inst, err := s.Instance(queued)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, inst.Status)
	assert.Zero(t, s.QueueDepth())

	assert.ErrorIs(t, s.Cancel("no-such-agent"), ErrUnknownAgent)
}

func TestTimeoutMarksAgentTimedOut(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, nil)

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "slow work", TimeoutMS: 50})
	require.NoError(t, err)

	_, err = awaitAgent(t, s, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	inst, err := s.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, inst.Status)
}

func TestStaleAgentSweptToTimeout(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, func(cfg *SpawnerConfig) {
		cfg.StaleTimeout = 20 * time.Millisecond
	})

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "wander off"})
	require.NoError(t, err)

	_, err = awaitAgent(t, s, id)
	require.NoError(t, err)

	inst, err := s.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, inst.Status)
	assert.Contains(t, inst.Error, "no heartbeat")
}

func TestQueuedAgentOutlivesStaleSweep(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, func(cfg *SpawnerConfig) {
		cfg.MaxConcurrent = 1
		cfg.StaleTimeout = 30 * time.Millisecond
	})

	first, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "hold the slot"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.seen() >= 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "wait in line"})
	require.NoError(t, err)
	require.Equal(t, 1, s.QueueDepth())

	// Keep the running agent healthy while the queued one waits well
	// past the stale timeout.
	stop := make(chan struct{})
	beatsDone := make(chan struct{})
	go func() {
		defer close(beatsDone)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.lifecycle.Beat(first)
			}
		}
	}()

	time.Sleep(120 * time.Millisecond)
	inst, err := s.Instance(second)
	require.NoError(t, err)
	assert.Equal(t, StatusSpawning, inst.Status, "queued agent must not be swept while waiting")
	assert.True(t, inst.StartedAt.IsZero())

	close(client.release)
	close(stop)
	<-beatsDone

	_, err = awaitAgent(t, s, second)
	require.NoError(t, err)
	inst, err = s.Instance(second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, 2, client.seen())
}

func TestUnhealthyAgentForceTerminated(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, nil)

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "misbehave"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.seen() >= 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 4; i++ {
		s.RaiseAlert(id, fmt.Sprintf("tool overrun %d", i))
	}

	_, err = awaitAgent(t, s, id)
	require.NoError(t, err)

	inst, err := s.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "force-terminated")
	assert.Len(t, s.Health(id), 4)
}

func TestAbortAllCancelsChildren(t *testing.T) {
	client := newGateClient()
	s := newTestSpawner(t, client, nil, func(cfg *SpawnerConfig) {
		cfg.MaxConcurrent = 2
	})

	a, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "child one"})
	require.NoError(t, err)
	b, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "child two"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.seen() >= 2 }, 2*time.Second, 5*time.Millisecond)
	c, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "child three"})
	require.NoError(t, err)

	s.AbortAll()
	for _, id := range []string{a, b, c} {
		_, err := awaitAgent(t, s, id)
		require.NoError(t, err)
		inst, err := s.Instance(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, inst.Status, "agent %s", id)
	}
	assert.Empty(t, s.Active())
	assert.Zero(t, s.QueueDepth())

	// Still usable after an abort.
	d, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "after the abort"})
	require.NoError(t, err)
	assert.NotEmpty(t, d)
}

func TestCloseRejectsFurtherSpawns(t *testing.T) {
	s := newTestSpawner(t, &scriptClient{}, nil, nil)
	s.Close()

	_, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "too late"})
	assert.ErrorIs(t, err, ErrSpawnerClosed)
}

func TestSpawnerEmitsLifecycleEvents(t *testing.T) {
	eventBus := bus.New()
	t.Cleanup(eventBus.Close)
	sub := eventBus.Subscribe(64, bus.TopicAgent)
	t.Cleanup(sub.Close)

	client := &scriptClient{responses: []string{"all done"}}
	s := newTestSpawner(t, client, eventBus, nil)

	id, err := s.Spawn(&AgentTask{Type: AgentSearch, Prompt: "quick look"})
	require.NoError(t, err)
	_, err = awaitAgent(t, s, id)
	require.NoError(t, err)

	kinds := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !kinds[bus.KindAgentDone] {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, "spawner", ev.Source)
			kinds[ev.Kind] = true
		case <-deadline:
			t.Fatalf("agent events not delivered, saw %v", kinds)
		}
	}
	assert.True(t, kinds[bus.KindAgentSpawned])
	assert.True(t, kinds[bus.KindAgentProgress])
}

func TestPriorityNamesAndParsing(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("High"))
	assert.Equal(t, PriorityLow, ParsePriority(" low "))
	assert.Equal(t, PriorityNormal, ParsePriority("whatever"))

	data, err := json.Marshal(PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(data))
}
