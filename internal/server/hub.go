// Package server provides the agent-facing API: a WebSocket session per
// agent for order submission, a broadcast hub for fills and lifecycle
// notifications, and the read-only HTTP endpoints.
package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentarena/arena-engine/internal/metrics"
)

// session is one agent's WebSocket connection. gorilla permits a single
// concurrent writer, so every write goes through the session mutex: the
// request/response loop, hub broadcasts, and keepalive pings all share it.
type session struct {
	conn    *websocket.Conn
	agentID string
	mu      sync.Mutex
}

func (s *session) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.send(data)
}

func (s *session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// Hub manages agent sessions and broadcasts events to them. Broadcasts are
// best-effort: a full buffer drops the event rather than blocking order
// execution.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[*session]bool
	byAgent    map[string]map[*session]bool
	broadcast  chan targeted
	register   chan *session
	unregister chan *session
}

// targeted is one queued broadcast: a payload plus an optional recipient
// list (nil means every session).
type targeted struct {
	agents []string
	data   []byte
}

// NewHub creates a new hub.
func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[*session]bool),
		byAgent:    make(map[string]map[*session]bool),
		broadcast:  make(chan targeted, 256),
		register:   make(chan *session),
		unregister: make(chan *session),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			if h.byAgent[s.agentID] == nil {
				h.byAgent[s.agentID] = make(map[*session]bool)
			}
			h.byAgent[s.agentID][s] = true
			total := len(h.sessions)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws session opened", "agent", s.agentID, "total", total)

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				delete(h.byAgent[s.agentID], s)
				if len(h.byAgent[s.agentID]) == 0 {
					delete(h.byAgent, s.agentID)
				}
				s.conn.Close()
			}
			total := len(h.sessions)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg targeted) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if msg.agents == nil {
		for s := range h.sessions {
			if err := s.send(msg.data); err != nil {
				s.conn.Close()
			}
		}
		return
	}
	for _, id := range msg.agents {
		for s := range h.byAgent[id] {
			if err := s.send(msg.data); err != nil {
				s.conn.Close()
			}
		}
	}
}

// Broadcast queues an event for every connected session.
func (h *Hub) Broadcast(v any) {
	h.enqueue(nil, v)
}

// BroadcastAgents queues an event for the named agents' sessions only.
func (h *Hub) BroadcastAgents(agents []string, v any) {
	if len(agents) == 0 {
		return
	}
	h.enqueue(agents, v)
}

func (h *Hub) enqueue(agents []string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- targeted{agents: agents, data: data}:
	default:
		// Drop if buffer full to avoid blocking order execution.
	}
}

// keepalive pings the session until it disappears from the hub.
func (h *Hub) keepalive(s *session) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.RLock()
		_, ok := h.sessions[s]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if err := s.ping(); err != nil {
			return
		}
	}
}
