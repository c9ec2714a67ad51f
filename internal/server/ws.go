package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/agentarena/arena-engine/internal/engine"
	"github.com/agentarena/arena-engine/internal/metrics"
	"github.com/agentarena/arena-engine/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Agents connect from anywhere; auth is the approval gate.
	},
}

// wsRequest is a JSON request from an agent session.
type wsRequest struct {
	Type   string          `json:"type"` // "order" or "get_state"
	Symbol string          `json:"symbol,omitempty"`
	Side   string          `json:"side,omitempty"`
	Amount decimal.Decimal `json:"amount,omitempty"`
	Tags   []string        `json:"tags,omitempty"`
}

// positionView is the wire form of one open position.
type positionView struct {
	Symbol   string `json:"symbol"`
	Amount   string `json:"amount"`
	AvgPrice string `json:"avg_price"`
}

// orderResponse is returned for every "order" request, success or not.
type orderResponse struct {
	Type      string         `json:"type"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	FillPrice string         `json:"fill_price,omitempty"`
	Quantity  string         `json:"quantity,omitempty"`
	Balance   string         `json:"balance,omitempty"`
	Positions []positionView `json:"positions,omitempty"`
}

// stateResponse is returned for "get_state" requests.
type stateResponse struct {
	Type       string         `json:"type"`
	Balance    string         `json:"balance"`
	Positions  []positionView `json:"positions"`
	PnLPercent float64        `json:"pnl_percent"`
}

// errorResponse is returned for malformed or unknown requests. The session
// stays open.
type errorResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws/{agentID}.
// Unapproved agents are rejected before the upgrade. An approved agent is
// assigned a shard on first connect and then served a request/response loop
// until disconnect.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		writeError(w, "agent id is required", http.StatusBadRequest)
		return
	}
	if !s.gate.Approved(agentID) {
		writeError(w, "agent is not approved for trading", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "agent", agentID, "err", err)
		return
	}

	s.mgr.Assign(agentID)

	sess := &session{conn: conn, agentID: agentID}
	s.hub.register <- sess
	go s.hub.keepalive(sess)
	defer func() { s.hub.unregister <- sess }()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			sess.sendJSON(errorResponse{Type: "error", Message: "invalid request body"})
			continue
		}

		switch req.Type {
		case "order":
			sess.sendJSON(s.executeOrder(agentID, req))
		case "get_state":
			sess.sendJSON(s.agentState(agentID))
		default:
			sess.sendJSON(errorResponse{Type: "error", Message: "unknown request type: " + req.Type})
		}
	}
}

// executeOrder routes one order to the agent's shard engine and shapes the
// response. Rejections come back as a failed response, never a dropped
// session.
func (s *Service) executeOrder(agentID string, req wsRequest) orderResponse {
	sh, ok := s.mgr.ShardFor(agentID)
	if !ok {
		// Eliminated mid-session without respawn.
		return orderResponse{Type: "order_result", Message: "agent has no shard"}
	}

	fill, err := sh.Engine.ExecuteOrder(agentID, req.Symbol, model.Side(req.Side), req.Amount, req.Tags)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(rejectionReason(err)).Inc()
		return orderResponse{Type: "order_result", Message: err.Error()}
	}
	metrics.OrdersTotal.WithLabelValues(string(fill.Side)).Inc()

	balance, positions, _, stateErr := sh.Engine.State(agentID)
	resp := orderResponse{
		Type:      "order_result",
		Success:   true,
		FillPrice: fill.FillPrice.String(),
		Quantity:  fill.Quantity.String(),
	}
	if stateErr == nil {
		resp.Balance = balance.String()
		resp.Positions = viewPositions(positions)
	}
	return resp
}

func (s *Service) agentState(agentID string) any {
	sh, ok := s.mgr.ShardFor(agentID)
	if !ok {
		return errorResponse{Type: "error", Message: "agent has no shard"}
	}
	balance, positions, pnl, err := sh.Engine.State(agentID)
	if err != nil {
		return errorResponse{Type: "error", Message: err.Error()}
	}
	return stateResponse{
		Type:       "state",
		Balance:    balance.String(),
		Positions:  viewPositions(positions),
		PnLPercent: pnl,
	}
}

func viewPositions(positions []model.Position) []positionView {
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{
			Symbol:   p.Symbol,
			Amount:   p.Amount.String(),
			AvgPrice: p.AvgPrice.String(),
		})
	}
	return out
}

// rejectionReason maps engine sentinels to a bounded metrics label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, engine.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, engine.ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, engine.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, engine.ErrInsufficientPosition):
		return "insufficient_position"
	default:
		return "other"
	}
}
