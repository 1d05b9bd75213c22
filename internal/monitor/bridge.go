// Package monitor serves the observability surface: a bridge that
// aggregates bus events into counters, and an HTTP/WS server exposing
// them alongside DB-backed reports. The bridge is attach-/detach-able;
// detached it answers from the database alone, so the standalone
// monitor command works without a running assistant.
package monitor

import (
	"errors"
	"sync"
	"time"

	"flexicli/internal/budget"
	"flexicli/internal/bus"
	"flexicli/internal/logging"
	"flexicli/internal/session"
	"flexicli/internal/store"
)

// defaultRecentEvents bounds the in-memory event ring.
const defaultRecentEvents = 256

// ErrStoreUnavailable means the bridge is running without a database,
// which happens when the project store would not open. Health still
// answers; reports backed by the store do not.
var ErrStoreUnavailable = errors.New("project store unavailable")

// Sources are the live endpoints of a running assistant. All fields
// are optional; a zero Sources is equivalent to staying detached.
type Sources struct {
	// Bus is the event stream to observe.
	Bus *bus.Bus

	// Agents reports currently tracked mini-agents, usually
	// Spawner.Active.
	Agents func() []session.AgentInstance

	// Usage reports the live token accounting of the current turn,
	// usually the orchestrator builder's budget report.
	Usage func() budget.Usage
}

// counters is the in-memory cache of event-derived numbers. The
// database stays the source of truth; these reset on demand.
type counters struct {
	events           uint64
	turnsStarted     uint64
	turnsEnded       uint64
	modelCalls       uint64
	promptTokens     uint64
	completionTokens uint64
	toolExecutes     uint64
	toolResults      uint64
	toolFailures     uint64
	retrievals       uint64
	snapshots        uint64
	agentsSpawned    uint64
	agentsFinished   uint64
	agentsFailed     uint64
	sessionsEnded    uint64
	errors           uint64
	byKind           map[string]uint64
	nodeEvents       map[string]uint64
	nodeSeen         map[string]time.Time
	lastEvent        time.Time
}

func newCounters() counters {
	return counters{
		byKind:     make(map[string]uint64),
		nodeEvents: make(map[string]uint64),
		nodeSeen:   make(map[string]time.Time),
	}
}

// Bridge connects the event bus to the monitoring surface. It owns one
// subscription for its counter cache and hands out further
// subscriptions to WebSocket clients, all closed again on Detach.
type Bridge struct {
	store   *store.Store
	metrics *Metrics
	started time.Time

	mu       sync.RWMutex
	src      Sources
	attached bool
	sub      *bus.Subscription
	issued   map[*bus.Subscription]struct{}
	counters counters
	recent   []bus.Event

	wg sync.WaitGroup
}

// NewBridge builds a detached bridge over the project database.
func NewBridge(st *store.Store) *Bridge {
	return &Bridge{
		store:    st,
		metrics:  newMetrics(),
		started:  time.Now(),
		issued:   make(map[*bus.Subscription]struct{}),
		counters: newCounters(),
	}
}

// Attach connects the bridge to a running assistant. A previous
// attachment is torn down first.
func (b *Bridge) Attach(src Sources) {
	b.Detach()
	if src.Bus == nil {
		return
	}

	sub := src.Bus.Subscribe(bus.DefaultBuffer)
	b.mu.Lock()
	b.src = src
	b.attached = true
	b.sub = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(sub)
	logging.Get(logging.CategoryMonitor).Info("bridge attached")
}

// Detach disconnects from the bus. The counter cache and event ring
// survive; only live data stops flowing. WebSocket subscriptions
// handed out while attached are closed so their clients notice.
func (b *Bridge) Detach() {
	b.mu.Lock()
	sub := b.sub
	issued := b.issued
	b.sub = nil
	b.issued = make(map[*bus.Subscription]struct{})
	wasAttached := b.attached
	b.attached = false
	b.src = Sources{}
	b.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	for s := range issued {
		s.Close()
	}
	if wasAttached {
		logging.Get(logging.CategoryMonitor).Info("bridge detached")
	}
}

// Close detaches and waits for the consume goroutine to drain.
func (b *Bridge) Close() {
	b.Detach()
	b.wg.Wait()
}

// Attached reports whether a live assistant is connected.
func (b *Bridge) Attached() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attached
}

// Subscribe hands out a bus subscription for a streaming client, or
// nil while detached. Callers must return it through Unsubscribe.
func (b *Bridge) Subscribe(buffer int) *bus.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached || b.src.Bus == nil {
		return nil
	}
	sub := b.src.Bus.Subscribe(buffer)
	b.issued[sub] = struct{}{}
	return sub
}

// Unsubscribe closes a subscription obtained from Subscribe. Safe on
// nil and after Detach already closed it.
func (b *Bridge) Unsubscribe(sub *bus.Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.issued, sub)
	b.mu.Unlock()
	sub.Close()
}

// consume drains one bridge subscription into the counter cache. When
// the bus closes underneath us the bridge falls back to detached,
// DB-only serving.
func (b *Bridge) consume(sub *bus.Subscription) {
	defer b.wg.Done()
	for ev := range sub.Events() {
		b.observe(ev)
	}

	b.mu.RLock()
	current := b.sub == sub
	b.mu.RUnlock()
	if current {
		b.Detach()
	}
}

// observe folds one event into the counters, the recent ring, and the
// Prometheus collectors.
func (b *Bridge) observe(ev bus.Event) {
	b.mu.Lock()
	c := &b.counters
	c.events++
	c.byKind[ev.Kind]++
	c.lastEvent = ev.Timestamp

	node := nodeFor(ev)
	c.nodeEvents[node]++
	c.nodeSeen[node] = ev.Timestamp

	switch ev.Kind {
	case bus.KindTurnStart:
		c.turnsStarted++
	case bus.KindTurnEnd:
		c.turnsEnded++
	case bus.KindTokenUsage:
		c.modelCalls++
		c.promptTokens += uint64(payloadInt(ev, "prompt_tokens"))
		c.completionTokens += uint64(payloadInt(ev, "completion_tokens"))
	case bus.KindToolExecute:
		c.toolExecutes++
	case bus.KindToolResult:
		c.toolResults++
		if ok, has := payloadBool(ev, "success"); has && !ok {
			c.toolFailures++
		}
	case bus.KindRetrieval:
		c.retrievals++
	case bus.KindSnapshot:
		c.snapshots++
	case bus.KindAgentSpawned:
		c.agentsSpawned++
	case bus.KindAgentDone:
		c.agentsFinished++
	case bus.KindAgentFailed:
		c.agentsFinished++
		c.agentsFailed++
	case bus.KindSessionEnd:
		c.sessionsEnded++
	case bus.KindError:
		c.errors++
	}

	b.recent = append(b.recent, ev)
	if len(b.recent) > defaultRecentEvents {
		b.recent = b.recent[1:]
	}
	active := b.liveAgentsLocked()
	b.mu.Unlock()

	b.metrics.observe(ev, active)
}

// liveAgentsLocked estimates in-flight agents from spawn/finish
// deltas. Forced terminations of queued agents emit a finish without a
// spawn, so the difference is floored at zero.
func (b *Bridge) liveAgentsLocked() int {
	n := int64(b.counters.agentsSpawned) - int64(b.counters.agentsFinished)
	if n < 0 {
		n = 0
	}
	return int(n)
}

// ClearCounters resets the in-memory cache. The event ring and the
// Prometheus collectors are left alone: the ring is a log, and scrape
// counters are cumulative by convention.
func (b *Bridge) ClearCounters() {
	b.mu.Lock()
	b.counters = newCounters()
	b.mu.Unlock()
	logging.Get(logging.CategoryMonitor).Info("in-memory counters cleared")
}

// Events returns up to limit recent events, oldest first. limit <= 0
// returns the whole ring.
func (b *Bridge) Events(limit int) []bus.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}
	out := make([]bus.Event, limit)
	copy(out, b.recent[len(b.recent)-limit:])
	return out
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (b *Bridge) MetricsHandler() *Metrics { return b.metrics }

// Health is the always-available liveness report.
type Health struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"`
}

// Health reports ok or degraded with the server uptime in seconds.
// Degraded means the database is unreachable; the endpoint itself
// never fails.
func (b *Bridge) Health() Health {
	h := Health{Status: "ok", Uptime: time.Since(b.started).Seconds()}
	if b.store == nil || b.store.Ping() != nil {
		h.Status = "degraded"
	}
	return h
}

// Counters is the JSON shape of the in-memory cache.
type Counters struct {
	Events           uint64            `json:"events"`
	TurnsStarted     uint64            `json:"turns_started"`
	TurnsEnded       uint64            `json:"turns_ended"`
	ModelCalls       uint64            `json:"model_calls"`
	PromptTokens     uint64            `json:"prompt_tokens"`
	CompletionTokens uint64            `json:"completion_tokens"`
	ToolCalls        uint64            `json:"tool_calls"`
	ToolFailures     uint64            `json:"tool_failures"`
	Retrievals       uint64            `json:"retrievals"`
	Snapshots        uint64            `json:"snapshots"`
	AgentsSpawned    uint64            `json:"agents_spawned"`
	AgentsFailed     uint64            `json:"agents_failed"`
	SessionsEnded    uint64            `json:"sessions_ended"`
	Errors           uint64            `json:"errors"`
	Dropped          uint64            `json:"dropped"`
	ByKind           map[string]uint64 `json:"by_kind,omitempty"`
	LastEvent        *time.Time        `json:"last_event,omitempty"`
}

// Overview aggregates system health for the dashboard landing call.
type Overview struct {
	Status       string     `json:"status"`
	Uptime       float64    `json:"uptime"`
	Attached     bool       `json:"attached"`
	ProjectID    string     `json:"project_id"`
	RootPath     string     `json:"root_path"`
	DBOk         bool       `json:"db_ok"`
	DBSizeBytes  int64      `json:"db_size_bytes"`
	Sessions     int        `json:"sessions"`
	TokensUsed   int64      `json:"tokens_used"`
	Chunks       int        `json:"chunks"`
	ChunkVectors int        `json:"chunk_vectors"`
	ActiveAgents int        `json:"active_agents"`
	Counters     Counters   `json:"counters"`
	Bus          *bus.Stats `json:"bus,omitempty"`
}

// Overview assembles the aggregate report: totals from the database,
// the live counter cache on top.
func (b *Bridge) Overview() Overview {
	b.mu.RLock()
	src := b.src
	attached := b.attached
	sub := b.sub
	cs := b.countersLocked()
	live := b.liveAgentsLocked()
	b.mu.RUnlock()

	ov := Overview{
		Status:   "ok",
		Uptime:   time.Since(b.started).Seconds(),
		Attached: attached,
		Counters: cs,
	}
	if sub != nil {
		ov.Counters.Dropped = sub.Dropped()
	}
	if b.store == nil {
		ov.Status = "degraded"
		if src.Agents != nil {
			ov.ActiveAgents = len(src.Agents())
		} else {
			ov.ActiveAgents = live
		}
		return ov
	}
	ov.ProjectID = b.store.ProjectID()
	ov.RootPath = b.store.RootPath()
	if b.store.Ping() == nil {
		ov.DBOk = true
	} else {
		ov.Status = "degraded"
	}
	ov.DBSizeBytes = b.store.DBSizeBytes()
	if sessions, tokens, err := b.store.SessionTokenTotals(); err == nil {
		ov.Sessions = sessions
		ov.TokensUsed = tokens
	}
	if stats, err := b.store.GetChunkStats(); err == nil {
		ov.Chunks = stats.Total
		ov.ChunkVectors = stats.WithVectors
	}
	if src.Agents != nil {
		ov.ActiveAgents = len(src.Agents())
	} else {
		ov.ActiveAgents = live
	}
	if attached && src.Bus != nil {
		stats := src.Bus.Stats()
		ov.Bus = &stats
	}
	return ov
}

// countersLocked copies the cache into its JSON shape.
func (b *Bridge) countersLocked() Counters {
	c := b.counters
	out := Counters{
		Events:           c.events,
		TurnsStarted:     c.turnsStarted,
		TurnsEnded:       c.turnsEnded,
		ModelCalls:       c.modelCalls,
		PromptTokens:     c.promptTokens,
		CompletionTokens: c.completionTokens,
		ToolCalls:        c.toolResults,
		ToolFailures:     c.toolFailures,
		Retrievals:       c.retrievals,
		Snapshots:        c.snapshots,
		AgentsSpawned:    c.agentsSpawned,
		AgentsFailed:     c.agentsFailed,
		SessionsEnded:    c.sessionsEnded,
		Errors:           c.errors,
	}
	if len(c.byKind) > 0 {
		out.ByKind = make(map[string]uint64, len(c.byKind))
		for k, v := range c.byKind {
			out.ByKind[k] = v
		}
	}
	if !c.lastEvent.IsZero() {
		t := c.lastEvent
		out.LastEvent = &t
	}
	return out
}

// LayerStat is one memory layer's usage line.
type LayerStat struct {
	Layer   string `json:"layer"`
	Entries int    `json:"entries"`
	Tokens  int64  `json:"tokens"`
	Cap     int    `json:"cap,omitempty"`
}

// MemoryReport describes all five layers. Entry counts and persisted
// token sums come from the database; per-turn usage and caps come from
// the live budget report when one is attached.
type MemoryReport struct {
	Layers    []LayerStat `json:"layers"`
	Mode      string      `json:"mode,omitempty"`
	Attached  bool        `json:"attached"`
	InputCap  int         `json:"input_cap"`
	OutputCap int         `json:"output_cap"`
}

func (b *Bridge) MemoryReport() MemoryReport {
	b.mu.RLock()
	usageFn := b.src.Usage
	attached := b.attached
	b.mu.RUnlock()

	var usage budget.Usage
	if usageFn != nil {
		usage = usageFn()
	}
	capOf := func(cat budget.Category) int { return usage.Caps[cat] }
	usedBy := func(cat budget.Category) int64 { return int64(usage.Categories[cat]) }

	system := LayerStat{Layer: "system", Tokens: usedBy(budget.CategorySystem), Cap: capOf(budget.CategorySystem)}
	if system.Tokens > 0 {
		system.Entries = 1
	}

	ephemeral := LayerStat{Layer: "ephemeral", Tokens: usedBy(budget.CategoryEphemeral), Cap: capOf(budget.CategoryEphemeral)}
	retrieved := LayerStat{Layer: "retrieved", Cap: capOf(budget.CategoryRetrieved)}
	knowledge := LayerStat{Layer: "knowledge", Cap: capOf(budget.CategoryKnowledge)}
	git := LayerStat{Layer: "git", Tokens: usedBy(budget.CategoryGit), Cap: capOf(budget.CategoryGit)}

	if b.store != nil {
		if sessions, err := b.store.ListSessions(1); err == nil && len(sessions) > 0 {
			ephemeral.Entries = sessions[0].TurnCount
		}
		if stats, err := b.store.GetChunkStats(); err == nil {
			retrieved.Entries = stats.Total
		}
		if total, err := b.store.ChunkTokenTotal(); err == nil {
			retrieved.Tokens = total
		}
		if n, err := b.store.KnowledgeCount(); err == nil {
			knowledge.Entries = n
		}
		if total, err := b.store.KnowledgeTokenTotal(); err == nil {
			knowledge.Tokens = int64(total)
		}
		if n, err := b.store.CommitCount(); err == nil {
			git.Entries = n
		}
	}

	return MemoryReport{
		Layers:    []LayerStat{system, ephemeral, retrieved, knowledge, git},
		Mode:      usage.Mode,
		Attached:  attached,
		InputCap:  budget.InputCeiling,
		OutputCap: budget.OutputCeiling,
	}
}

// SessionSummary is one session row enriched with snapshot context.
// Chunks is the number of retrieved chunks referenced by the latest
// snapshot.
type SessionSummary struct {
	ID        string     `json:"id"`
	Mode      string     `json:"mode"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Turns     int        `json:"turns"`
	Tokens    int        `json:"tokens"`
	Chunks    int        `json:"chunks"`
	Snapshots int        `json:"snapshots"`
}

func (b *Bridge) Sessions(limit int) ([]SessionSummary, error) {
	if b.store == nil {
		return nil, ErrStoreUnavailable
	}
	sessions, err := b.store.ListSessions(limit)
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sum := SessionSummary{
			ID:        sess.ID,
			Mode:      sess.Mode,
			Status:    sess.Status,
			StartedAt: sess.StartedAt,
			EndedAt:   sess.EndedAt,
			Turns:     sess.TurnCount,
			Tokens:    sess.TokensUsed,
		}
		if snap, err := b.store.LatestSnapshot(sess.ID); err == nil {
			sum.Chunks = len(snap.RetrievalIDs)
		}
		if n, err := b.store.SnapshotCount(sess.ID); err == nil {
			sum.Snapshots = n
		}
		out = append(out, sum)
	}
	return out, nil
}

// ToolsReport pairs per-tool aggregates with the newest raw entries.
type ToolsReport struct {
	Stats  []store.ToolStat     `json:"stats"`
	Recent []store.ExecutionLog `json:"recent"`
}

func (b *Bridge) Tools(recentLimit int) (*ToolsReport, error) {
	if b.store == nil {
		return nil, ErrStoreUnavailable
	}
	stats, err := b.store.ToolStats()
	if err != nil {
		return nil, err
	}
	recent, err := b.store.RecentLogs("", recentLimit)
	if err != nil {
		return nil, err
	}
	return &ToolsReport{Stats: stats, Recent: recent}, nil
}

// AgentList reports live mini-agent instances. Detached bridges have
// no live view and return an empty list.
func (b *Bridge) AgentList() ([]session.AgentInstance, bool) {
	b.mu.RLock()
	fn := b.src.Agents
	attached := b.attached
	b.mu.RUnlock()
	if fn == nil {
		return nil, attached
	}
	return fn(), attached
}

// Projects lists the projects known to the database.
func (b *Bridge) Projects() ([]store.Project, error) {
	if b.store == nil {
		return nil, ErrStoreUnavailable
	}
	return b.store.ListProjects()
}
