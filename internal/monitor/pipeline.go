package monitor

import (
	"time"

	"flexicli/internal/bus"
)

// Pipeline node ids. The topology is fixed; only the counts move.
const (
	nodeOrchestrator = "orchestrator"
	nodeMemory       = "memory"
	nodeModel        = "model"
	nodeTools        = "tools"
	nodeAgents       = "agents"
	nodeStore        = "store"
)

// PipelineNode is one stage of the turn pipeline with its observed
// activity.
type PipelineNode struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Events   uint64     `json:"events"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// PipelineEdge is one flow between stages. Events counts traversals
// observed on the bus.
type PipelineEdge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Label  string `json:"label"`
	Events uint64 `json:"events"`
}

// PipelineStats summarizes flow volume.
type PipelineStats struct {
	Events       uint64 `json:"events"`
	Turns        uint64 `json:"turns"`
	ToolCalls    uint64 `json:"tool_calls"`
	Tokens       uint64 `json:"tokens"`
	ActiveAgents int    `json:"active_agents"`
}

// PipelineView is the graph served by the pipeline endpoint.
type PipelineView struct {
	Nodes []PipelineNode `json:"nodes"`
	Edges []PipelineEdge `json:"edges"`
	Stats PipelineStats  `json:"stats"`
}

// nodeFor maps an event onto the pipeline stage it illuminates.
func nodeFor(ev bus.Event) string {
	switch ev.Topic {
	case bus.TopicTool:
		return nodeTools
	case bus.TopicModel:
		return nodeModel
	case bus.TopicMemory:
		if ev.Kind == bus.KindSnapshot {
			return nodeStore
		}
		return nodeMemory
	case bus.TopicAgent:
		return nodeAgents
	default:
		return nodeOrchestrator
	}
}

// Pipeline renders the turn flow as a graph: a fixed topology from
// prompt intake to persistence, annotated with observed event counts.
func (b *Bridge) Pipeline() PipelineView {
	b.mu.RLock()
	c := b.counters
	nodeEvents := make(map[string]uint64, len(c.nodeEvents))
	for k, v := range c.nodeEvents {
		nodeEvents[k] = v
	}
	nodeSeen := make(map[string]time.Time, len(c.nodeSeen))
	for k, v := range c.nodeSeen {
		nodeSeen[k] = v
	}
	live := b.liveAgentsLocked()
	b.mu.RUnlock()

	labels := []struct{ id, label string }{
		{nodeOrchestrator, "Orchestrator"},
		{nodeMemory, "Memory layers"},
		{nodeModel, "Model client"},
		{nodeTools, "Tool registry"},
		{nodeAgents, "Mini-agents"},
		{nodeStore, "Store"},
	}
	nodes := make([]PipelineNode, 0, len(labels))
	for _, n := range labels {
		node := PipelineNode{ID: n.id, Label: n.label, Events: nodeEvents[n.id]}
		if seen, ok := nodeSeen[n.id]; ok {
			t := seen
			node.LastSeen = &t
		}
		nodes = append(nodes, node)
	}

	edges := []PipelineEdge{
		{From: nodeOrchestrator, To: nodeMemory, Label: "context build", Events: c.retrievals},
		{From: nodeMemory, To: nodeModel, Label: "prompt", Events: c.modelCalls},
		{From: nodeModel, To: nodeTools, Label: "tool calls", Events: c.toolExecutes},
		{From: nodeTools, To: nodeOrchestrator, Label: "results", Events: c.toolResults},
		{From: nodeOrchestrator, To: nodeAgents, Label: "delegation", Events: c.agentsSpawned},
		{From: nodeOrchestrator, To: nodeStore, Label: "snapshots", Events: c.snapshots},
	}

	return PipelineView{
		Nodes: nodes,
		Edges: edges,
		Stats: PipelineStats{
			Events:       c.events,
			Turns:        c.turnsStarted,
			ToolCalls:    c.toolResults,
			Tokens:       c.promptTokens + c.completionTokens,
			ActiveAgents: live,
		},
	}
}
