package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"flexicli/internal/bus"
	"flexicli/internal/logging"
	"flexicli/internal/session"
)

// WebSocket timing, matching the write/pong discipline of the gateway
// it fronts for.
const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
	wsMaxPayload   = 1 << 20
	wsClientBuffer = 64
)

// ServerConfig sizes the listener. The server binds loopback only;
// the monitoring surface is not an externally reachable API.
type ServerConfig struct {
	Host string // default 127.0.0.1
	Port int    // 0 picks an ephemeral port
}

// Server is the monitoring HTTP/WS endpoint over one bridge.
type Server struct {
	bridge   *Bridge
	cfg      ServerConfig
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener
}

// NewServer builds the server; Start brings up the listener.
func NewServer(bridge *Bridge, cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &Server{
		bridge: bridge,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Loopback-only listener; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route table. Exposed separately so tests can
// mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/overview", s.handleOverview)
	mux.HandleFunc("/api/memory", s.handleMemory)
	mux.HandleFunc("/api/tools", s.handleTools)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/pipeline", s.handlePipeline)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/metrics/clear", s.handleMetricsClear)
	mux.Handle("/metrics", s.bridge.MetricsHandler().Handler())
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get(logging.CategoryMonitor).Error("monitor server: %v", err)
		}
	}()

	logging.Get(logging.CategoryMonitor).Info("monitoring server on http://%s", listener.Addr())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Close shuts down with a bounded grace period.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryMonitor).Debug("response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireGet rejects anything but GET. The API is read-only except for
// the explicit clear endpoint.
func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// handleHealth answers 200 regardless of database state so probes can
// distinguish a dead server from a degraded one.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.Health())
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.Overview())
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.MemoryReport())
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	report, err := s.bridge.Tools(20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	sessions, err := s.bridge.Sessions(20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.Pipeline())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	agents, attached := s.bridge.AgentList()
	if agents == nil {
		agents = []session.AgentInstance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attached": attached, "agents": agents})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	projects, err := s.bridge.Projects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	events := s.bridge.Events(limit)
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleMetricsClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.bridge.ClearCounters()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS upgrades and streams the event feed. Each client gets its
// own bus subscription, so a slow reader sheds its own oldest
// non-critical events without holding anyone else back.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{
		bridge: s.bridge,
		conn:   conn,
		sub:    s.bridge.Subscribe(wsClientBuffer),
		done:   make(chan struct{}),
	}
	client.run()
}

// streamFrame is one pushed WebSocket message.
type streamFrame struct {
	Topic     string    `json:"topic"`
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Critical  bool      `json:"critical,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// streamTopic prefixes the event kind with its display channel.
func streamTopic(ev bus.Event) string {
	switch ev.Topic {
	case bus.TopicTool:
		return "tool:" + ev.Kind
	case bus.TopicModel, bus.TopicMemory:
		return "metrics:" + ev.Kind
	default:
		return "pipeline:" + ev.Kind
	}
}

type wsClient struct {
	bridge *Bridge
	conn   *websocket.Conn
	sub    *bus.Subscription // nil while the bridge is detached
	done   chan struct{}
}

func (c *wsClient) run() {
	defer c.close()
	go c.readLoop()
	c.writeLoop()
}

func (c *wsClient) close() {
	c.bridge.Unsubscribe(c.sub)
	_ = c.conn.Close()
}

// readLoop discards inbound frames; it exists to surface close frames,
// pongs, and dead peers.
func (c *wsClient) readLoop() {
	defer close(c.done)
	c.conn.SetReadLimit(wsMaxPayload)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	var events <-chan bus.Event
	if c.sub != nil {
		events = c.sub.Events()
	}

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				// Bridge detached; tell the client instead of going mute.
				_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream detached"))
				return
			}
			frame := streamFrame{
				Topic:     streamTopic(ev),
				Seq:       ev.Seq,
				Kind:      ev.Kind,
				Source:    ev.Source,
				Timestamp: ev.Timestamp,
				Critical:  ev.Critical,
				Payload:   ev.Payload,
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
