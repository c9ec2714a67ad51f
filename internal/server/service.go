package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentarena/arena-engine/internal/epoch"
	"github.com/agentarena/arena-engine/internal/model"
	"github.com/agentarena/arena-engine/internal/shard"
	"github.com/agentarena/arena-engine/internal/store"
)

// Service exposes the read-only HTTP API and the agent WebSocket endpoint.
// All mutation goes through the shard engines; handlers here only route.
type Service struct {
	mgr     *shard.Manager
	sched   *epoch.Scheduler
	gate    *Gate
	hub     *Hub
	archive *store.FillArchive // optional; nil falls back to in-memory history
}

// NewService wires the API service. archive may be nil when no database is
// configured.
func NewService(mgr *shard.Manager, sched *epoch.Scheduler, gate *Gate, hub *Hub, archive *store.FillArchive) *Service {
	return &Service{
		mgr:     mgr,
		sched:   sched,
		gate:    gate,
		hub:     hub,
		archive: archive,
	}
}

// Routes mounts the API under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/ws/{agentID}", s.HandleWS)
	r.Get("/leaderboard", s.GlobalLeaderboard)
	r.Get("/leaderboard/{shardID}", s.ShardLeaderboard)
	r.Get("/agents/{agentID}/state", s.AgentState)
	r.Post("/agents/{agentID}/approve", s.ApproveAgent)
	r.Get("/epoch", s.EpochStatus)
	r.Get("/fills/recent", s.RecentFills)
}

// Health handles GET /health.
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","service":"arena-engine"}`))
}

// GlobalLeaderboard handles GET /api/v1/leaderboard.
func (s *Service) GlobalLeaderboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.mgr.GlobalLeaderboard())
}

// ShardLeaderboard handles GET /api/v1/leaderboard/{shardID}.
func (s *Service) ShardLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "shardID"), 10, 64)
	if err != nil {
		writeError(w, "invalid shard id", http.StatusBadRequest)
		return
	}
	board, ok := s.mgr.Leaderboard(id)
	if !ok {
		writeError(w, "shard not found", http.StatusNotFound)
		return
	}
	writeJSON(w, board)
}

// AgentState handles GET /api/v1/agents/{agentID}/state.
func (s *Service) AgentState(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	sh, ok := s.mgr.ShardFor(agentID)
	if !ok {
		writeError(w, "agent not found", http.StatusNotFound)
		return
	}
	balance, positions, pnl, err := sh.Engine.State(agentID)
	if err != nil {
		writeError(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"agent_id":    agentID,
		"shard_id":    sh.ID,
		"balance":     balance.String(),
		"positions":   viewPositions(positions),
		"pnl_percent": pnl,
	})
}

// ApproveAgent handles POST /api/v1/agents/{agentID}/approve. It records the
// external sandbox verdict; the verdict itself is never re-checked here.
func (s *Service) ApproveAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		writeError(w, "agent id is required", http.StatusBadRequest)
		return
	}
	s.gate.Approve(agentID)
	writeJSON(w, map[string]any{"agent_id": agentID, "approved": true})
}

// EpochStatus handles GET /api/v1/epoch.
func (s *Service) EpochStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"epoch":      s.sched.Epoch(),
		"phase":      s.sched.Phase(),
		"shards":     len(s.mgr.Shards()),
		"population": s.mgr.Population(),
	})
}

// RecentFills handles GET /api/v1/fills/recent. With a database archive the
// fills come from there; otherwise from the shard engines' rolling history.
func (s *Service) RecentFills(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if s.archive != nil {
		fills, err := s.archive.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, "failed to load fills", http.StatusInternalServerError)
			return
		}
		writeJSON(w, fills)
		return
	}

	var fills []model.Fill
	for _, sh := range s.mgr.Shards() {
		fills = append(fills, sh.Engine.History()...)
	}
	sort.Slice(fills, func(i, j int) bool {
		return fills[i].Timestamp.After(fills[j].Timestamp)
	})
	if len(fills) > limit {
		fills = fills[:limit]
	}
	writeJSON(w, fills)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
