package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flexicli/internal/approval"
	"flexicli/internal/budget"
	"flexicli/internal/bus"
	"flexicli/internal/config"
	"flexicli/internal/logging"
	"flexicli/internal/memory"
	"flexicli/internal/model"
	"flexicli/internal/store"
	"flexicli/internal/tools"
)

// AgentStatus tracks a spawned agent's place in its lifecycle.
type AgentStatus string

const (
	StatusSpawning  AgentStatus = "spawning"
	StatusRunning   AgentStatus = "running"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
	StatusTimeout   AgentStatus = "timeout"
	StatusCancelled AgentStatus = "cancelled"
)

func terminalStatus(st AgentStatus) bool {
	switch st {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Priority orders queued agents. Higher runs first; FIFO within a
// level. The zero value is unset so a task built without an explicit
// priority lands at normal, not low.
type Priority int

const (
	priorityUnset Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// MarshalJSON renders the priority name rather than its rank.
func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// ParsePriority maps a priority name to its rank. Unknown names rank
// normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Spawner errors.
var (
	ErrUnknownAgentType = errors.New("unknown agent type")
	ErrQueueFull        = errors.New("agent queue is full")
	ErrSpawnerClosed    = errors.New("spawner is closed")
	ErrNoToolsAllowed   = errors.New("no tools remain after permission merge")
	ErrUnknownAgent     = errors.New("unknown agent id")
)

// AgentTask is one delegated work item. Permissions, when set, can only
// narrow the template's defaults.
type AgentTask struct {
	ID            string
	ParentID      string
	Type          AgentType
	Prompt        string
	Scope         ScopedContext
	Permissions   *tools.Permissions
	MaxIterations int
	TimeoutMS     int
	Priority      Priority
}

// AgentInstance is the externally visible state of one spawned agent.
type AgentInstance struct {
	TaskID     string      `json:"task_id"`
	ParentID   string      `json:"parent_id,omitempty"`
	Type       AgentType   `json:"type"`
	Status     AgentStatus `json:"status"`
	Priority   Priority    `json:"priority"`
	Heartbeat  time.Time   `json:"heartbeat"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Iterations int         `json:"iterations"`
	ToolsUsed  int         `json:"tools_used"`
	Tokens     int         `json:"tokens"`
	Error      string      `json:"error,omitempty"`
}

// SpawnerDeps are the shared services every agent runs against.
type SpawnerDeps struct {
	Store    *store.Store
	Client   model.Client
	Registry *tools.Registry

	// Bus receives agent-* events. Optional.
	Bus *bus.Bus
}

// SpawnerConfig tunes pool behavior. Zero values take the defaults.
type SpawnerConfig struct {
	MaxConcurrent  int           // default 10
	QueueSize      int           // default 100
	DefaultTimeout time.Duration // default 10 minutes
	TickInterval   time.Duration // queue processor cadence, default 1s
	MaxTokens      int           // hard per-agent token cap, default 15000
	TemplateDir    string        // per-project template overrides
	Cwd            string        // working directory handed to tools
	Mode           config.Mode   // agent orchestrator mode, default concise

	// Policy is a ceiling applied after template and request merge.
	Policy *tools.Permissions

	// Lifecycle knobs, defaulted by NewLifecycle.
	StaleTimeout time.Duration
	Retention    time.Duration
	MaxAlerts    int
}

type agentHandle struct {
	task   *AgentTask
	perms  *tools.Permissions
	inst   *AgentInstance
	orch   *Orchestrator
	cancel context.CancelFunc
	forced AgentStatus
	done   chan struct{}
	res    *TurnResult
	err    error
}

// Spawner runs mini-agents against shared infrastructure. Each agent
// gets its own orchestrator with scoped memory and merged permissions;
// past MaxConcurrent, tasks queue by priority and a processor fills
// freed slots. Agents cannot reach the spawner, so delegation stops at
// depth one.
type Spawner struct {
	deps      SpawnerDeps
	cfg       SpawnerConfig
	templates map[AgentType]Template
	lifecycle *Lifecycle

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	ids  atomic.Int64

	mu      sync.Mutex
	closed  bool
	running int
	agents  map[string]*agentHandle
	queues  [PriorityHigh + 1][]*agentHandle
	queued  int
}

// NewSpawner builds the pool and starts its queue processor. Template
// overrides load from cfg.TemplateDir; a malformed override fails the
// construction rather than silently running with defaults.
func NewSpawner(deps SpawnerDeps, cfg SpawnerConfig) (*Spawner, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 15000
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeConcise
	}
	templates, err := LoadTemplates(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Spawner{
		deps:      deps,
		cfg:       cfg,
		templates: templates,
		lifecycle: NewLifecycle(cfg.StaleTimeout, cfg.Retention, cfg.MaxAlerts),
		ctx:       ctx,
		stop:      cancel,
		agents:    make(map[string]*agentHandle),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Spawn validates the task, merges its permissions against the
// template and policy, and either starts the agent or queues it.
// Returns the agent id.
func (s *Spawner) Spawn(task *AgentTask) (string, error) {
	if task == nil || strings.TrimSpace(task.Prompt) == "" {
		return "", fmt.Errorf("agent prompt required")
	}
	tpl, ok := s.templates[task.Type]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgentType, task.Type)
	}
	if task.TimeoutMS < 0 {
		return "", fmt.Errorf("agent timeout must not be negative, got %d", task.TimeoutMS)
	}
	if task.MaxIterations < 0 {
		return "", fmt.Errorf("agent iteration limit must not be negative, got %d", task.MaxIterations)
	}
	if task.Priority < PriorityLow || task.Priority > PriorityHigh {
		task.Priority = PriorityNormal
	}
	perms, err := s.mergePermissions(tpl, task.Permissions)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSpawnerClosed
	}
	if task.ID == "" {
		task.ID = fmt.Sprintf("%s-%d", task.Type, s.ids.Add(1))
	}
	if _, exists := s.agents[task.ID]; exists {
		return "", fmt.Errorf("agent id %q already in use", task.ID)
	}
	if s.running >= s.cfg.MaxConcurrent && s.queued >= s.cfg.QueueSize {
		return "", fmt.Errorf("%w: %d waiting", ErrQueueFull, s.queued)
	}

	h := &agentHandle{
		task:  task,
		perms: perms,
		inst: &AgentInstance{
			TaskID:    task.ID,
			ParentID:  task.ParentID,
			Type:      task.Type,
			Status:    StatusSpawning,
			Priority:  task.Priority,
			Heartbeat: time.Now(),
		},
		done: make(chan struct{}),
	}
	s.agents[task.ID] = h
	s.lifecycle.Track(task.ID)

	if s.running < s.cfg.MaxConcurrent {
		s.launchLocked(h)
	} else {
		s.queues[task.Priority] = append(s.queues[task.Priority], h)
		s.queued++
		logging.Agents("queued %s (priority %s, %d waiting)", task.ID, task.Priority, s.queued)
	}
	return task.ID, nil
}

// mergePermissions computes template ∩ request ∩ policy. The template's
// tool list seeds the allowed set; a merge that strips every tool is
// rejected rather than letting the empty set mean "all tools".
func (s *Spawner) mergePermissions(tpl Template, req *tools.Permissions) (*tools.Permissions, error) {
	base := tpl.Permissions
	if len(base.Allowed) == 0 {
		base.Allowed = append([]string(nil), tpl.Tools...)
	}
	merged := base.Merge(req).Merge(s.cfg.Policy)
	if len(base.Allowed) > 0 && len(merged.Allowed) == 0 {
		return nil, fmt.Errorf("%w: template allows [%s]",
			ErrNoToolsAllowed, strings.Join(base.Allowed, ", "))
	}
	return merged, nil
}

func (s *Spawner) launchLocked(h *agentHandle) {
	ctx, cancel := context.WithCancel(s.ctx)
	h.cancel = cancel
	h.inst.Status = StatusRunning
	h.inst.StartedAt = time.Now()
	s.lifecycle.Start(h.task.ID)
	s.running++
	s.wg.Add(1)
	go s.runAgent(ctx, h)
}

func (s *Spawner) runAgent(ctx context.Context, h *agentHandle) {
	defer s.wg.Done()
	task := h.task
	tpl := s.templates[task.Type]

	s.emit(bus.KindAgentSpawned, map[string]any{
		"agent":    task.ID,
		"type":     string(task.Type),
		"priority": task.Priority.String(),
	})
	logging.Agents("spawned %s (priority %s)", task.ID, task.Priority)

	orch := s.buildOrchestrator(task, tpl)
	s.mu.Lock()
	h.orch = orch
	s.mu.Unlock()

	timeout := s.cfg.DefaultTimeout
	if task.TimeoutMS > 0 {
		timeout = time.Duration(task.TimeoutMS) * time.Millisecond
	}
	maxTokens := tpl.MaxTokens
	if maxTokens <= 0 || maxTokens > s.cfg.MaxTokens {
		maxTokens = s.cfg.MaxTokens
	}

	res, err := orch.ExecuteAsAgent(ctx, task.Prompt, AgentOptions{
		AgentID:     task.ID,
		Scope:       task.Scope,
		Permissions: h.perms,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
	})

	status := StatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = StatusTimeout
	case errors.Is(err, context.Canceled):
		status = StatusCancelled
	default:
		status = StatusFailed
	}
	s.finish(h, status, res, err)
}

// buildOrchestrator assembles the agent's private loop: its own
// ephemeral window and budget over the shared store, the template
// prompt ahead of the tool catalog, and no planner or spawner access.
func (s *Spawner) buildOrchestrator(task *AgentTask, tpl Template) *Orchestrator {
	catalog := ""
	if s.deps.Registry != nil {
		catalog = s.deps.Registry.Catalog()
	}
	prompt := systemPrompt(catalog)
	if p := strings.TrimSpace(tpl.Prompt); p != "" {
		prompt = p + "\n\n" + prompt
	}
	builder := memory.NewBuilder(s.deps.Store, budget.NewManager(s.cfg.Mode),
		memory.NewEphemeral("", nil, memory.EphemeralConfig{}), prompt)

	id := task.ID
	return New(Deps{
		Store:    s.deps.Store,
		Builder:  builder,
		Client:   s.deps.Client,
		Registry: s.deps.Registry,
		Gate:     approval.NewGate(config.ApprovalYolo, nil, nil),
		Bus:      s.deps.Bus,
	}, Config{
		MaxIterations: task.MaxIterations,
		Mode:          s.cfg.Mode,
		Cwd:           s.cfg.Cwd,
		Progress:      func(stage string) { s.progress(id, stage) },
	})
}

func (s *Spawner) progress(id, stage string) {
	s.lifecycle.Beat(id)
	s.mu.Lock()
	if h, ok := s.agents[id]; ok {
		h.inst.Heartbeat = time.Now()
	}
	s.mu.Unlock()
	s.emit(bus.KindAgentProgress, map[string]any{"agent": id, "stage": stage})
}

func (s *Spawner) finish(h *agentHandle, status AgentStatus, res *TurnResult, err error) {
	s.mu.Lock()
	if h.forced != "" {
		status = h.forced
	}
	h.res, h.err = res, err
	inst := h.inst
	inst.Status = status
	inst.FinishedAt = time.Now()
	if res != nil {
		inst.Iterations = res.Iterations
		inst.ToolsUsed = res.ToolCalls
		inst.Tokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
	}
	if err != nil && inst.Error == "" {
		inst.Error = err.Error()
	}
	s.running--
	s.lifecycle.Finish(inst.TaskID, status)
	close(h.done)
	s.fillLocked()
	snapshot := *inst
	s.mu.Unlock()

	if status == StatusCompleted {
		logging.Agents("%s completed: %d iterations, %d tool calls, %d tokens",
			snapshot.TaskID, snapshot.Iterations, snapshot.ToolsUsed, snapshot.Tokens)
		s.emit(bus.KindAgentDone, map[string]any{
			"agent":      snapshot.TaskID,
			"status":     string(status),
			"iterations": snapshot.Iterations,
			"tool_calls": snapshot.ToolsUsed,
			"tokens":     snapshot.Tokens,
		})
		return
	}
	logging.Agents("%s finished %s: %s", snapshot.TaskID, status, snapshot.Error)
	s.emit(bus.KindAgentFailed, map[string]any{
		"agent":  snapshot.TaskID,
		"status": string(status),
		"error":  snapshot.Error,
	})
}

func (s *Spawner) fillLocked() {
	for s.running < s.cfg.MaxConcurrent {
		h := s.popLocked()
		if h == nil {
			return
		}
		s.launchLocked(h)
	}
}

func (s *Spawner) popLocked() *agentHandle {
	for p := PriorityHigh; p >= PriorityLow; p-- {
		if q := s.queues[p]; len(q) > 0 {
			h := q[0]
			s.queues[p] = q[1:]
			s.queued--
			return h
		}
	}
	return nil
}

// run is the queue processor: every tick it fills freed slots and
// sweeps agent health.
func (s *Spawner) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.fillLocked()
			s.mu.Unlock()

			actions, pruned := s.lifecycle.Sweep(time.Now())
			for _, act := range actions {
				s.terminate(act.ID, act.Status, act.Reason)
			}
			if len(pruned) > 0 {
				s.mu.Lock()
				for _, id := range pruned {
					delete(s.agents, id)
				}
				s.mu.Unlock()
			}
		}
	}
}

// terminate forces an agent into a terminal status. Running agents are
// cancelled and finalize through their own goroutine; queued agents
// finalize in place.
func (s *Spawner) terminate(id string, status AgentStatus, reason string) {
	s.mu.Lock()
	h, ok := s.agents[id]
	if !ok || terminalStatus(h.inst.Status) {
		s.mu.Unlock()
		return
	}
	if s.removeQueuedLocked(h) {
		h.inst.Status = status
		h.inst.FinishedAt = time.Now()
		h.inst.Error = reason
		s.lifecycle.Finish(id, status)
		close(h.done)
		s.mu.Unlock()
		logging.Agents("%s terminated while queued: %s", id, reason)
		s.emit(bus.KindAgentFailed, map[string]any{
			"agent": id, "status": string(status), "error": reason,
		})
		return
	}
	h.forced = status
	if reason != "" && h.inst.Error == "" {
		h.inst.Error = reason
	}
	orch, cancel := h.orch, h.cancel
	s.mu.Unlock()
	logging.Agents("terminating %s: %s", id, reason)
	if orch != nil {
		orch.Abort()
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Spawner) removeQueuedLocked(h *agentHandle) bool {
	q := s.queues[h.task.Priority]
	for i, qh := range q {
		if qh == h {
			s.queues[h.task.Priority] = append(q[:i], q[i+1:]...)
			s.queued--
			return true
		}
	}
	return false
}

// Cancel stops one agent, running or queued.
func (s *Spawner) Cancel(id string) error {
	s.mu.Lock()
	_, ok := s.agents[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownAgent
	}
	s.terminate(id, StatusCancelled, "cancelled by caller")
	return nil
}

// AbortAll cancels every queued and running agent. The spawner stays
// usable for new spawns.
func (s *Spawner) AbortAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id, h := range s.agents {
		if !terminalStatus(h.inst.Status) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.terminate(id, StatusCancelled, "parent abort")
	}
}

// Await blocks until the agent reaches a terminal status and returns
// its result.
func (s *Spawner) Await(ctx context.Context, id string) (*TurnResult, error) {
	s.mu.Lock()
	h, ok := s.agents[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownAgent
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.res, h.err
}

// Instance returns a copy of the agent's current state.
func (s *Spawner) Instance(id string) (AgentInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.agents[id]
	if !ok {
		return AgentInstance{}, ErrUnknownAgent
	}
	return *h.inst, nil
}

// Active lists agents that are queued or running.
func (s *Spawner) Active() []AgentInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AgentInstance
	for _, h := range s.agents {
		if !terminalStatus(h.inst.Status) {
			out = append(out, *h.inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// QueueDepth reports how many tasks wait for a slot.
func (s *Spawner) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// Health returns the agent's active alerts.
func (s *Spawner) Health(id string) []string {
	return s.lifecycle.Alerts(id)
}

// RaiseAlert files a health complaint. Past the alert limit the
// sweeper force-terminates the agent.
func (s *Spawner) RaiseAlert(id, msg string) {
	s.lifecycle.RaiseAlert(id, msg)
}

// Close cancels all agents, stops the queue processor, and waits for
// every goroutine to drain.
func (s *Spawner) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.AbortAll()
	s.stop()
	s.wg.Wait()
}

func (s *Spawner) emit(kind string, payload map[string]any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Emit(bus.TopicAgent, kind, "spawner", payload)
}
