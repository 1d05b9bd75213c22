package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flexicli/internal/bus"
)

// Metrics exports the bridge's event stream as Prometheus collectors.
// Each bridge owns an independent registry so multiple bridges in one
// process never fight over collector registration.
type Metrics struct {
	registry *prometheus.Registry

	// Events counts every bus event by topic and kind.
	Events *prometheus.CounterVec

	// Turns counts turn lifecycle transitions. Labels: phase (started|completed).
	Turns *prometheus.CounterVec

	// ToolResults counts finished tool calls. Labels: tool, status (success|error).
	ToolResults *prometheus.CounterVec

	// ModelTokens tracks token consumption. Labels: type (prompt|completion).
	ModelTokens *prometheus.CounterVec

	// Snapshots counts session checkpoints written.
	Snapshots prometheus.Counter

	// Errors counts error events.
	Errors prometheus.Counter

	// ActiveAgents is the current number of live mini-agents.
	ActiveAgents prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flexicli_events_total",
			Help: "Bus events observed by the monitoring bridge.",
		}, []string{"topic", "kind"}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flexicli_turns_total",
			Help: "Conversation turns by lifecycle phase.",
		}, []string{"phase"}),
		ToolResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flexicli_tool_results_total",
			Help: "Finished tool calls by tool name and status.",
		}, []string{"tool", "status"}),
		ModelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flexicli_model_tokens_total",
			Help: "Model tokens consumed by type.",
		}, []string{"type"}),
		Snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flexicli_snapshots_total",
			Help: "Session snapshots written.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flexicli_errors_total",
			Help: "Error events published on the bus.",
		}),
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flexicli_active_agents",
			Help: "Mini-agents currently spawning or running.",
		}),
	}
	m.registry.MustRegister(
		m.Events, m.Turns, m.ToolResults, m.ModelTokens,
		m.Snapshots, m.Errors, m.ActiveAgents,
	)
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observe maps one bus event onto the collectors. active is the
// bridge's current live-agent estimate.
func (m *Metrics) observe(ev bus.Event, active int) {
	m.Events.WithLabelValues(string(ev.Topic), ev.Kind).Inc()

	switch ev.Kind {
	case bus.KindTurnStart:
		m.Turns.WithLabelValues("started").Inc()
	case bus.KindTurnEnd:
		m.Turns.WithLabelValues("completed").Inc()
	case bus.KindTokenUsage:
		if n := payloadInt(ev, "prompt_tokens"); n > 0 {
			m.ModelTokens.WithLabelValues("prompt").Add(float64(n))
		}
		if n := payloadInt(ev, "completion_tokens"); n > 0 {
			m.ModelTokens.WithLabelValues("completion").Add(float64(n))
		}
	case bus.KindToolResult:
		status := "success"
		if ok, has := payloadBool(ev, "success"); has && !ok {
			status = "error"
		}
		m.ToolResults.WithLabelValues(payloadString(ev, "tool"), status).Inc()
	case bus.KindSnapshot:
		m.Snapshots.Inc()
	case bus.KindError:
		m.Errors.Inc()
	}

	if ev.Topic == bus.TopicAgent {
		m.ActiveAgents.Set(float64(active))
	}
}

// payloadInt pulls a numeric field out of a map payload. Values arrive
// as int in-process and as float64 after a JSON round trip.
func payloadInt(ev bus.Event, key string) int64 {
	fields, ok := ev.Payload.(map[string]any)
	if !ok {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func payloadBool(ev bus.Event, key string) (value, present bool) {
	fields, ok := ev.Payload.(map[string]any)
	if !ok {
		return false, false
	}
	v, ok := fields[key].(bool)
	return v, ok
}

func payloadString(ev bus.Event, key string) string {
	fields, ok := ev.Payload.(map[string]any)
	if !ok {
		return ""
	}
	v, _ := fields[key].(string)
	return v
}
