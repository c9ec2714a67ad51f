package server

import "sync"

// Gate records which agents passed the external sandbox review. The verdict
// itself is produced outside this service; the gate only remembers it and
// blocks unapproved agents from opening trading sessions.
type Gate struct {
	mu       sync.RWMutex
	approved map[string]bool
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{approved: make(map[string]bool)}
}

// Approve marks an agent as cleared for trading.
func (g *Gate) Approve(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved[agentID] = true
}

// Revoke withdraws an agent's clearance. Open sessions are not torn down;
// the agent just cannot reconnect.
func (g *Gate) Revoke(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.approved, agentID)
}

// Approved reports whether an agent may open a session.
func (g *Gate) Approved(agentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.approved[agentID]
}
