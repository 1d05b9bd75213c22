package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flexicli/internal/approval"
	"flexicli/internal/bus"
	"flexicli/internal/config"
	"flexicli/internal/logging"
	"flexicli/internal/memory"
	"flexicli/internal/model"
	"flexicli/internal/store"
	"flexicli/internal/tools"
)

// ErrTurnInFlight rejects a RunTurn while another is still running.
// One orchestrator owns one session; concurrent work goes through
// spawned agents instead.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// State is the orchestrator's lifecycle phase, exposed for monitoring.
type State int32

const (
	StateIdle State = iota
	StatePlanning
	StateExecuting
	StateAwaitingApproval
	StateAborting
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateAwaitingApproval:
		return "awaiting-approval"
	case StateAborting:
		return "aborting"
	default:
		return "idle"
	}
}

// Deps are the orchestrator's collaborators. Store, Builder, Client,
// Registry, and Gate are required; Bus and Planner may be nil.
type Deps struct {
	Store    *store.Store
	Builder  *memory.Builder
	Client   model.Client
	Registry *tools.Registry
	Gate     *approval.Gate
	Bus      *bus.Bus
	Planner  *Planner
}

// Config tunes one orchestrator.
type Config struct {
	// MaxIterations caps the reason-act loop per turn. Default 5.
	MaxIterations int
	// Mode selects the token budget profile.
	Mode config.Mode
	// Cwd anchors tool-call path recovery.
	Cwd string
	// MaxTokens caps cumulative turn usage. Zero means unlimited.
	MaxTokens int
	// Progress, when set, receives a short stage label as the turn
	// advances. Spawned agents use it as their heartbeat.
	Progress func(stage string)
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	Answer     string
	Iterations int
	ToolCalls  int
	// Tasks is non-nil when the planner decomposed the turn; statuses
	// reflect how each sub-turn ended.
	Tasks   []Task
	Partial bool
	Usage   model.Usage
}

// Orchestrator drives the reason-act loop for one session: prompt
// assembly, model streaming, tool-call extraction and execution, and
// the per-turn snapshot. One turn runs at a time.
type Orchestrator struct {
	deps Deps
	cfg  Config
	exec *Executor

	state   atomic.Int32
	busy    atomic.Bool
	aborted atomic.Bool
	seeded  atomic.Bool

	mu         sync.Mutex
	sess       *store.Session
	turnSeq    int
	perms      *tools.Permissions
	abort      chan struct{}
	cancelTurn context.CancelFunc
	lastUsage  json.RawMessage
	lastChunks []int64
}

// New builds an orchestrator. Defaults: 5 loop iterations, concise
// mode, interactive permissions.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeConcise
	}
	return &Orchestrator{
		deps:  deps,
		cfg:   cfg,
		exec:  NewExecutor(deps.Registry, deps.Gate, deps.Bus, cfg.Cwd),
		perms: tools.DefaultPermissions(),
		abort: make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// SetPermissions replaces the permission set enforced on tool calls.
func (o *Orchestrator) SetPermissions(p *tools.Permissions) {
	o.mu.Lock()
	o.perms = p
	o.mu.Unlock()
}

// Session returns the active session, or nil before the first turn.
func (o *Orchestrator) Session() *store.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess
}

// AttachSession adopts an existing session instead of starting a fresh
// one on the first turn. Used after crash recovery.
func (o *Orchestrator) AttachSession(sess *store.Session) {
	o.mu.Lock()
	o.sess = sess
	o.turnSeq = sess.TurnCount
	o.mu.Unlock()
}

// RestoreSnapshot replays a snapshot's conversation state into the
// ephemeral window, so a recovered session resumes with its recent
// context intact.
func (o *Orchestrator) RestoreSnapshot(snap *store.Snapshot) error {
	if snap == nil || len(snap.EphemeralState) == 0 {
		return nil
	}
	var turns []memory.Turn
	if err := json.Unmarshal(snap.EphemeralState, &turns); err != nil {
		return fmt.Errorf("snapshot state decode failed: %w", err)
	}
	for _, t := range turns {
		o.deps.Builder.Ephemeral().Add(t)
	}
	logging.Session("restored %d turns from snapshot %d of %s", len(turns), snap.Seq, snap.SessionID)
	return nil
}

// RunTurn processes one user prompt end to end: session selection,
// turn-zero system-prompt seeding, optional planner decomposition, the
// reason-act loop, then the snapshot and session counters. Returns
// approval.ErrTerminated when the user ended the session from an
// approval prompt.
func (o *Orchestrator) RunTurn(ctx context.Context, prompt string) (*TurnResult, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInFlight
	}
	defer o.busy.Store(false)
	defer o.setState(StateIdle)

	sess, err := o.ensureSession()
	if err != nil {
		return nil, err
	}
	o.seedOnce()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancelTurn = cancel
	perms := o.perms
	o.mu.Unlock()

	o.emit(bus.TopicTurn, bus.KindTurnStart, map[string]any{
		"session": sess.ID,
		"prompt":  clip(prompt, 200),
	})

	var res *TurnResult
	if tasks := o.maybePlan(turnCtx, prompt); len(tasks) > 0 {
		res, err = o.runPlanned(turnCtx, sess.ID, tasks, perms)
	} else {
		res, err = o.runLoop(turnCtx, sess.ID, prompt, perms, o.cfg.MaxTokens)
	}
	if res == nil {
		res = &TurnResult{}
	}
	if o.aborted.Load() {
		res.Partial = true
		err = nil
	}
	if res.Partial {
		res.Answer = strings.TrimSpace(res.Answer + "\n\n[partial result]")
	}

	o.recordTurn(sess, prompt, res)
	o.writeSnapshot(sess, prompt)
	o.emit(bus.TopicTurn, bus.KindTurnEnd, map[string]any{
		"session":    sess.ID,
		"iterations": res.Iterations,
		"tool_calls": res.ToolCalls,
		"tokens":     res.Usage.PromptTokens + res.Usage.CompletionTokens,
		"partial":    res.Partial,
	})

	if o.aborted.Load() || errors.Is(err, approval.ErrTerminated) {
		o.finishSession(store.SessionCompleted)
		o.resetAbort()
	}
	return res, err
}

// ScopedContext restricts which project files an agent's memory layers
// may read.
type ScopedContext struct {
	RelevantFiles  []string `json:"relevant_files,omitempty" yaml:"relevant_files,omitempty"`
	SearchPatterns []string `json:"search_patterns,omitempty" yaml:"search_patterns,omitempty"`
}

// AgentOptions parameterizes one ExecuteAsAgent run.
type AgentOptions struct {
	AgentID     string
	Scope       ScopedContext
	Permissions *tools.Permissions
	MaxTokens   int
	Timeout     time.Duration
}

// ExecuteAsAgent runs the same reason-act loop on behalf of a spawned
// agent: memory reads restricted to the scope, the given permissions
// enforced on every call, token and wall-clock budgets applied. No
// session row is created; events and execution logs attribute to the
// agent id.
func (o *Orchestrator) ExecuteAsAgent(ctx context.Context, prompt string, opts AgentOptions) (*TurnResult, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInFlight
	}
	defer o.busy.Store(false)
	defer o.setState(StateIdle)

	o.deps.Builder.SetScope(opts.Scope.RelevantFiles, opts.Scope.SearchPatterns)
	defer o.deps.Builder.SetScope(nil, nil)
	perms := opts.Permissions
	if perms == nil {
		o.mu.Lock()
		perms = o.perms
		o.mu.Unlock()
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	turnCtx, cancel := context.WithCancel(runCtx)
	defer cancel()
	o.mu.Lock()
	o.cancelTurn = cancel
	o.mu.Unlock()

	id := opts.AgentID
	if id == "" {
		id = "agent"
	}
	res, err := o.runLoop(turnCtx, id, prompt, perms, opts.MaxTokens)
	if res == nil {
		res = &TurnResult{}
	}
	if o.aborted.Load() {
		res.Partial = true
		err = nil
	}
	return res, err
}

// Abort stops the in-flight turn: in-flight tool calls are signalled
// and drained, the model stream is cancelled, and the session ends
// completed with a partial-result marker. With no turn in flight the
// session is simply closed out.
func (o *Orchestrator) Abort() {
	if !o.aborted.CompareAndSwap(false, true) {
		return
	}
	o.setState(StateAborting)
	logging.Orchestrator("abort requested")

	o.mu.Lock()
	close(o.abort)
	cancel := o.cancelTurn
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !o.busy.Load() {
		o.finishSession(store.SessionCompleted)
		o.resetAbort()
		o.setState(StateIdle)
	}
}

// Close ends the active session, if any.
func (o *Orchestrator) Close() {
	o.finishSession(store.SessionCompleted)
}

func (o *Orchestrator) ensureSession() (*store.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != nil {
		return o.sess, nil
	}
	sess, err := o.deps.Store.StartSession(string(o.cfg.Mode))
	if err != nil {
		return nil, fmt.Errorf("session start failed: %w", err)
	}
	o.sess = sess
	o.turnSeq = 0
	return sess, nil
}

// seedOnce installs the system prompt built around the live tool
// catalog. Runs on the orchestrator's first turn only; later turns
// reuse the builder's copy.
func (o *Orchestrator) seedOnce() {
	if o.seeded.CompareAndSwap(false, true) {
		o.deps.Builder.SetSystemPrompt(systemPrompt(o.deps.Registry.Catalog()))
	}
}

// maybePlan decomposes the prompt when its complexity estimate calls
// for it. Streaming decomposition kicks in past the single-pass size.
func (o *Orchestrator) maybePlan(ctx context.Context, prompt string) []Task {
	if o.deps.Planner == nil {
		return nil
	}
	est := o.deps.Planner.Estimate(prompt)
	if !est.NeedsDecomposition() {
		return nil
	}
	o.setState(StatePlanning)
	o.progress("planning")

	var tasks []Task
	if est.Items > 100 {
		for t := range o.deps.Planner.DecomposeStream(ctx, prompt) {
			tasks = append(tasks, t)
		}
	} else {
		tasks = o.deps.Planner.Decompose(prompt)
	}
	logging.Orchestrator("decomposed turn into %d tasks (%d items, %d operations)",
		len(tasks), est.Items, est.Operations)
	return tasks
}

// runPlanned executes decomposed tasks in order as sub-turns. A task
// whose dependency failed is skipped; other failures are retried up to
// the task's budget, then recorded, and the turn moves on.
func (o *Orchestrator) runPlanned(ctx context.Context, sessionID string, tasks []Task, perms *tools.Permissions) (*TurnResult, error) {
	agg := &TurnResult{Tasks: tasks}
	status := make(map[string]string, len(tasks))
	var answers []string

	for i := range tasks {
		task := &tasks[i]
		if o.aborted.Load() {
			agg.Partial = true
			break
		}
		if dep := unmetDep(task, status); dep != "" {
			task.Status = TaskFailed
			status[task.ID] = TaskFailed
			answers = append(answers, fmt.Sprintf("%s skipped: dependency %s failed", task.ID, dep))
			continue
		}

		task.Status = TaskRunning
		o.progress("task " + task.ID)
		sub, err := o.runTask(ctx, sessionID, task, perms)
		if sub != nil {
			agg.Iterations += sub.Iterations
			agg.ToolCalls += sub.ToolCalls
			agg.Usage.PromptTokens += sub.Usage.PromptTokens
			agg.Usage.CompletionTokens += sub.Usage.CompletionTokens
		}
		switch {
		case err == nil:
			task.Status = TaskDone
			if sub.Answer != "" {
				answers = append(answers, sub.Answer)
			}
		case errors.Is(err, approval.ErrTerminated) || ctx.Err() != nil:
			task.Status = TaskFailed
			status[task.ID] = TaskFailed
			agg.Partial = true
			agg.Answer = strings.Join(answers, "\n\n")
			return agg, err
		default:
			task.Status = TaskFailed
			answers = append(answers, fmt.Sprintf("%s failed: %v", task.ID, err))
		}
		status[task.ID] = task.Status
	}
	agg.Answer = strings.Join(answers, "\n\n")
	return agg, nil
}

// runTask runs one sub-turn under the task's timeout, retrying on
// failure. Usage accumulates across attempts.
func (o *Orchestrator) runTask(ctx context.Context, sessionID string, task *Task, perms *tools.Permissions) (*TurnResult, error) {
	total := &TurnResult{}
	var lastErr error
	for attempt := 0; attempt <= task.RetriesMax; attempt++ {
		taskCtx := ctx
		cancel := context.CancelFunc(func() {})
		if task.TimeoutMS > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutMS)*time.Millisecond)
		}
		sub, err := o.runLoop(taskCtx, sessionID, task.Description, perms, 0)
		cancel()

		if sub != nil {
			total.Iterations += sub.Iterations
			total.ToolCalls += sub.ToolCalls
			total.Usage.PromptTokens += sub.Usage.PromptTokens
			total.Usage.CompletionTokens += sub.Usage.CompletionTokens
			total.Answer = sub.Answer
			total.Partial = sub.Partial
		}
		if err == nil {
			return total, nil
		}
		if errors.Is(err, approval.ErrTerminated) || ctx.Err() != nil {
			return total, err
		}
		lastErr = err
		logging.Get(logging.CategoryOrchestrator).Warn("task %s attempt %d failed: %v", task.ID, attempt+1, err)
	}
	return total, lastErr
}

func unmetDep(task *Task, status map[string]string) string {
	for _, dep := range task.Deps {
		if status[dep] != TaskDone {
			return dep
		}
	}
	return ""
}

// runLoop is the reason-act core shared by user turns, sub-turns, and
// spawned agents: build prompt, stream the model, extract calls,
// execute, feed results back. Exits with the final answer when a
// response carries no tool calls.
func (o *Orchestrator) runLoop(ctx context.Context, sessionID, query string, perms *tools.Permissions, maxTokens int) (*TurnResult, error) {
	log := logging.Get(logging.CategoryOrchestrator)
	res := &TurnResult{}
	var conv []memory.Turn
	ops := 0

	for res.Iterations < o.cfg.MaxIterations {
		if o.aborted.Load() {
			res.Partial = true
			break
		}
		if maxTokens > 0 && res.Usage.PromptTokens+res.Usage.CompletionTokens >= maxTokens {
			log.Info("%s: token budget %d reached, stopping", sessionID, maxTokens)
			res.Partial = true
			break
		}
		o.setState(StateExecuting)
		o.progress(fmt.Sprintf("iteration %d", res.Iterations+1))

		prompt, err := o.deps.Builder.BuildPrompt(ctx, query, conv)
		if err != nil {
			return o.failTurn(res, fmt.Errorf("prompt assembly failed: %w", err))
		}
		o.noteBuild(prompt)
		o.emitFrom(bus.TopicMemory, bus.KindRetrieval, "memory", map[string]any{
			"session":  sessionID,
			"chunks":   len(prompt.Chunks),
			"degraded": prompt.Degraded,
			"input":    prompt.Usage.InputTotal,
		})

		stream, err := o.deps.Client.Chat(ctx, turnMessages(prompt), o.cfg.Mode)
		if err != nil {
			return o.failTurn(res, fmt.Errorf("model call failed: %w", err))
		}
		text, err := stream.Text(ctx)
		if err != nil {
			return o.failTurn(res, fmt.Errorf("model stream failed: %w", err))
		}

		res.Iterations++
		u := stream.Usage()
		res.Usage.PromptTokens += u.PromptTokens
		res.Usage.CompletionTokens += u.CompletionTokens
		o.emitFrom(bus.TopicModel, bus.KindTokenUsage, "model", map[string]any{
			"session":           sessionID,
			"prompt_tokens":     u.PromptTokens,
			"completion_tokens": u.CompletionTokens,
		})

		calls := ExtractCalls(text)
		if len(calls) == 0 {
			res.Answer = visibleText(text)
			log.Info("%s: answered after %d iteration(s), %d tool call(s)",
				sessionID, res.Iterations, res.ToolCalls)
			return res, nil
		}
		conv = append(conv, memory.Turn{Role: model.RoleAssistant, Content: text})

		if o.deps.Gate.Mode() == config.ApprovalDefault {
			o.setState(StateAwaitingApproval)
		}
		outcomes, err := o.exec.Run(ctx, sessionID, calls, perms, o.abortCh())
		o.setState(StateExecuting)
		for i := range outcomes {
			out := &outcomes[i]
			res.ToolCalls++
			ops++
			o.recordOutcome(sessionID, out)
			msg := out.Message()
			conv = append(conv, memory.Turn{Role: msg.Role, Content: msg.Content})
			// Checkpoint before the outcome reaches the model: on every
			// successful state-changing call, and every third operation
			// regardless.
			if o.stateChanging(out) || ops%3 == 0 {
				o.checkpoint(sessionID, query)
			}
		}
		if err != nil {
			if errors.Is(err, approval.ErrTerminated) {
				res.Partial = true
				return res, err
			}
			return o.failTurn(res, fmt.Errorf("tool execution interrupted: %w", err))
		}
	}
	if res.Answer == "" && !res.Partial {
		log.Warn("%s: iteration cap %d reached without a final answer", sessionID, o.cfg.MaxIterations)
	}
	return res, nil
}

// failTurn converts an error into a partial result when the turn was
// aborted, since aborting is user intent rather than a failure.
func (o *Orchestrator) failTurn(res *TurnResult, err error) (*TurnResult, error) {
	if o.aborted.Load() {
		res.Partial = true
		return res, nil
	}
	o.emit(bus.TopicTurn, bus.KindError, map[string]any{"error": err.Error()})
	return res, err
}

// stateChanging reports whether an outcome is a successful call to a
// tool that writes: anything above sensitivity none touches the
// filesystem or shell, so its effects must be snapshotted.
func (o *Orchestrator) stateChanging(out *CallOutcome) bool {
	if out.Denied || out.Failed() {
		return false
	}
	tool, err := o.deps.Registry.FindByName(out.Call.Name)
	if err != nil {
		return false
	}
	return tool.Sensitivity() != tools.SensitivityNone
}

// checkpoint writes a mid-turn snapshot. Agent runs carry an agent id
// instead of a session id and have no session row to checkpoint.
func (o *Orchestrator) checkpoint(sessionID, prompt string) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil || sess.ID != sessionID {
		return
	}
	o.writeSnapshot(sess, prompt)
}

// recordOutcome persists one tool invocation to the execution log.
func (o *Orchestrator) recordOutcome(sessionID string, out *CallOutcome) {
	var durMS int64
	if out.Result != nil {
		durMS = out.Result.DurationMs
	}
	entry := &store.ExecutionLog{
		SessionID:   sessionID,
		ToolName:    out.Call.Name,
		ArgsSummary: approval.Summarize(out.Call.Name, out.Call.Args),
		Success:     !out.Failed(),
		DurationMS:  durMS,
		Error:       out.failureText(),
	}
	if out.Denied {
		entry.Error = "denied"
	}
	if err := o.deps.Store.RecordLog(entry); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("execution log write failed: %v", err)
	}
}

// recordTurn appends the exchange to the ephemeral window and the
// persisted history, and bumps the session counters.
func (o *Orchestrator) recordTurn(sess *store.Session, prompt string, res *TurnResult) {
	o.deps.Builder.RecordTurn(model.RoleUser, prompt)
	if res.Answer != "" {
		o.deps.Builder.RecordTurn(model.RoleAssistant, res.Answer)
	}

	log := logging.Get(logging.CategoryOrchestrator)
	if err := o.deps.Store.AddTurn(sess.ID, o.bumpTurn(), model.RoleUser, prompt); err != nil {
		log.Warn("turn history write failed: %v", err)
	}
	if res.Answer != "" {
		if err := o.deps.Store.AddTurn(sess.ID, o.bumpTurn(), model.RoleAssistant, res.Answer); err != nil {
			log.Warn("turn history write failed: %v", err)
		}
	}
	tokens := res.Usage.PromptTokens + res.Usage.CompletionTokens
	if err := o.deps.Store.TouchSession(sess.ID, 1, tokens); err != nil {
		log.Warn("session counter update failed: %v", err)
	}
}

// writeSnapshot checkpoints the session: once at the end of every
// turn, plus mid-turn via checkpoint as tool calls land.
func (o *Orchestrator) writeSnapshot(sess *store.Session, prompt string) {
	state, err := json.Marshal(o.deps.Builder.Ephemeral().Turns())
	if err != nil {
		state = nil
	}
	o.mu.Lock()
	budgetJSON := o.lastUsage
	chunkIDs := append([]int64(nil), o.lastChunks...)
	o.mu.Unlock()

	snap := &store.Snapshot{
		SessionID:      sess.ID,
		EphemeralState: state,
		RetrievalIDs:   chunkIDs,
		Mode:           string(o.cfg.Mode),
		TokenBudget:    budgetJSON,
		LastCommand:    clip(prompt, 120),
	}
	seq, err := o.deps.Store.WriteSnapshot(snap)
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("snapshot write failed: %v", err)
		return
	}
	o.emitFrom(bus.TopicMemory, bus.KindSnapshot, "memory", map[string]any{
		"session": sess.ID,
		"seq":     seq,
	})
}

// noteBuild remembers the last prompt's accounting for the snapshot.
func (o *Orchestrator) noteBuild(p *memory.Prompt) {
	ids := make([]int64, 0, len(p.Chunks))
	for _, c := range p.Chunks {
		ids = append(ids, c.Chunk.ID)
	}
	usage, err := json.Marshal(p.Usage)
	if err != nil {
		usage = nil
	}
	o.mu.Lock()
	o.lastUsage = usage
	o.lastChunks = ids
	o.mu.Unlock()
}

func (o *Orchestrator) finishSession(status string) {
	o.mu.Lock()
	sess := o.sess
	o.sess = nil
	o.mu.Unlock()
	if sess == nil {
		return
	}
	if err := o.deps.Store.EndSession(sess.ID, status); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("session end failed: %v", err)
	}
	o.emit(bus.TopicSession, bus.KindSessionEnd, map[string]any{
		"session": sess.ID,
		"status":  status,
	})
}

// resetAbort re-arms the orchestrator after an aborted turn so the
// next prompt starts a fresh session.
func (o *Orchestrator) resetAbort() {
	o.mu.Lock()
	o.abort = make(chan struct{})
	o.cancelTurn = nil
	o.mu.Unlock()
	o.aborted.Store(false)
}

func (o *Orchestrator) bumpTurn() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turnSeq++
	return o.turnSeq
}

func (o *Orchestrator) abortCh() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.abort
}

func (o *Orchestrator) setState(s State) {
	old := State(o.state.Swap(int32(s)))
	if old != s {
		logging.Get(logging.CategoryOrchestrator).Debug("state %s -> %s", old, s)
	}
}

func (o *Orchestrator) progress(stage string) {
	if o.cfg.Progress != nil {
		o.cfg.Progress(stage)
	}
}

func (o *Orchestrator) emit(topic bus.Topic, kind string, payload map[string]any) {
	o.emitFrom(topic, kind, "orchestrator", payload)
}

func (o *Orchestrator) emitFrom(topic bus.Topic, kind, source string, payload map[string]any) {
	if o.deps.Bus != nil {
		o.deps.Bus.Emit(topic, kind, source, payload)
	}
}

// turnMessages flattens an assembled prompt onto the chat wire. The
// ephemeral render already contains the in-flight exchange, so the
// messages are one system block plus the user query.
func turnMessages(p *memory.Prompt) []model.Message {
	var sys strings.Builder
	sys.WriteString(p.System)
	appendSection(&sys, "## Retrieved context", p.Retrieved)
	appendSection(&sys, "## Known facts", p.Knowledge)
	appendSection(&sys, "## Recent git history", p.Git)
	appendSection(&sys, "## Conversation so far", p.Ephemeral)

	msgs := make([]model.Message, 0, 2)
	if s := strings.TrimSpace(sys.String()); s != "" {
		msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: s})
	}
	return append(msgs, model.Message{Role: model.RoleUser, Content: p.User})
}

func appendSection(sb *strings.Builder, header, body string) {
	if body == "" {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString(header)
	sb.WriteByte('\n')
	sb.WriteString(body)
}

// systemPrompt renders the turn-zero system prompt around the tool
// catalog.
func systemPrompt(catalog string) string {
	var sb strings.Builder
	sb.WriteString("You are flexicli, a coding assistant working inside the user's project.\n\n")
	sb.WriteString("Call a tool by emitting either envelope in your response:\n\n")
	sb.WriteString("<tool_use>{\"name\": \"tool_name\", \"args\": {\"key\": \"value\"}}</tool_use>\n\n")
	sb.WriteString("function: tool_name\n```json\n{\"key\": \"value\"}\n```\n\n")
	sb.WriteString("Tool results come back as <tool_result> messages. ")
	sb.WriteString("Respond without any envelope when you have the final answer.\n")
	if catalog != "" {
		sb.WriteString("\n## Available tools\n\n")
		sb.WriteString(catalog)
	}
	return sb.String()
}

// clip renders s on one line, cut to max bytes.
func clip(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
