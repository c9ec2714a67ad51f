package shard

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/agentarena/arena-engine/internal/config"
	"github.com/agentarena/arena-engine/internal/engine"
	"github.com/agentarena/arena-engine/internal/model"
	"github.com/agentarena/arena-engine/internal/rank"
)

// PriceSubscriber attaches a price feed to a newly created shard and returns
// a release function invoked when the shard is torn down.
type PriceSubscriber interface {
	Subscribe(s *Shard) (release func())
}

// ManagerConfig wires the manager's sizing policy, asset-pool rotation, and
// the engine parameters shared by every shard.
type ManagerConfig struct {
	InitialBalance   decimal.Decimal
	Slippage         decimal.Decimal
	ReturnHistoryCap int
	TradeHistoryCap  int

	BaseGroupSize int
	Thresholds    []config.Threshold
	Pools         []config.AssetPool

	Subscriber PriceSubscriber   // optional
	OnFill     func(model.Fill)  // optional, forwarded to every engine
}

// Manager owns the shard registry: it assigns agents to shards, grows the
// shard set as population grows, rotates asset pools round-robin, and merges
// per-shard leaderboards into the global ranking. Dynamic resizing only
// affects future assignments; agents are never rebalanced between shards.
type Manager struct {
	mu      sync.RWMutex
	cfg     ManagerConfig
	shards  []*Shard // ascending id order
	byAgent map[string]*Shard
	nextID  int64
	poolIdx int
}

// NewManager creates an empty registry.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.BaseGroupSize < 1 {
		cfg.BaseGroupSize = 10
	}
	return &Manager{
		cfg:     cfg,
		byAgent: make(map[string]*Shard),
		nextID:  1,
	}
}

// TargetGroupSize is the step function over total population: each ascending
// threshold caps a population band; once a band's population is exceeded the
// next band's (larger) group size applies. Beyond the last threshold the
// last group size holds.
func (m *Manager) TargetGroupSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targetGroupSize(len(m.byAgent))
}

func (m *Manager) targetGroupSize(population int) int {
	if len(m.cfg.Thresholds) == 0 {
		return m.cfg.BaseGroupSize
	}
	for _, th := range m.cfg.Thresholds {
		if population <= th.Population {
			return th.GroupSize
		}
	}
	return m.cfg.Thresholds[len(m.cfg.Thresholds)-1].GroupSize
}

// Assign places an agent in a shard, creating one if no existing shard has
// spare capacity under the current target size. Idempotent: an agent that
// already has a shard keeps it. Assignment always succeeds — capacity
// pressure creates shards, it never rejects agents.
func (m *Manager) Assign(agentID string) *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sh, ok := m.byAgent[agentID]; ok {
		return sh
	}

	target := m.targetGroupSize(len(m.byAgent))

	var chosen *Shard
	for _, sh := range m.shards { // ascending id: deterministic priority
		if sh.Size() < target {
			chosen = sh
			break
		}
	}
	if chosen == nil {
		chosen = m.createShard()
	}

	chosen.Engine.Register(agentID)
	m.byAgent[agentID] = chosen

	slog.Info("agent assigned",
		"agent", agentID,
		"shard", chosen.ID,
		"pool", chosen.PoolName,
		"shard_size", chosen.Size(),
		"target_size", target,
	)
	return chosen
}

// createShard allocates the next id and the next asset pool in round-robin
// order. Caller holds m.mu.
func (m *Manager) createShard() *Shard {
	pool := m.cfg.Pools[m.poolIdx%len(m.cfg.Pools)]
	m.poolIdx++

	sh := m.buildShard(m.nextID, pool.Name, pool.Assets)
	m.nextID++
	m.shards = append(m.shards, sh)

	slog.Info("shard created", "shard", sh.ID, "pool", sh.PoolName)
	return sh
}

func (m *Manager) buildShard(id int64, poolName string, assets map[string]string) *Shard {
	sh := &Shard{
		ID:        id,
		PoolName:  poolName,
		AssetPool: assets,
	}
	sh.Engine = engine.New(engine.Config{
		ShardID:          id,
		InitialBalance:   m.cfg.InitialBalance,
		Slippage:         m.cfg.Slippage,
		ReturnHistoryCap: m.cfg.ReturnHistoryCap,
		TradeHistoryCap:  m.cfg.TradeHistoryCap,
		Symbols:          assets,
		OnFill:           m.cfg.OnFill,
	})
	if m.cfg.Subscriber != nil {
		sh.release = m.cfg.Subscriber.Subscribe(sh)
	}
	return sh
}

// Remove detaches the agent from its shard and deletes its account. An
// emptied shard is torn down and its price subscription released; its id is
// never reused.
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sh, ok := m.byAgent[agentID]
	if !ok {
		return
	}
	delete(m.byAgent, agentID)
	sh.Engine.Remove(agentID)

	if sh.Size() == 0 {
		m.teardown(sh)
	}
}

// teardown removes an empty shard from the registry. Caller holds m.mu.
func (m *Manager) teardown(sh *Shard) {
	if sh.release != nil {
		sh.release()
	}
	for i, s := range m.shards {
		if s.ID == sh.ID {
			m.shards = append(m.shards[:i], m.shards[i+1:]...)
			break
		}
	}
	slog.Info("shard destroyed", "shard", sh.ID)
}

// ShardFor returns the agent's shard, if any.
func (m *Manager) ShardFor(agentID string) (*Shard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sh, ok := m.byAgent[agentID]
	return sh, ok
}

// Shard returns a shard by id.
func (m *Manager) Shard(id int64) (*Shard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sh := range m.shards {
		if sh.ID == id {
			return sh, true
		}
	}
	return nil, false
}

// Shards returns the registry in ascending id order.
func (m *Manager) Shards() []*Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Shard, len(m.shards))
	copy(out, m.shards)
	return out
}

// Population returns the total number of assigned agents.
func (m *Manager) Population() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAgent)
}

// Leaderboard delegates to one shard's engine.
func (m *Manager) Leaderboard(shardID int64) ([]model.LeaderboardEntry, bool) {
	sh, ok := m.Shard(shardID)
	if !ok {
		return nil, false
	}
	return sh.Engine.Leaderboard(), true
}

// GlobalLeaderboard merges every shard's leaderboard into one ranking,
// re-sorted by PnL percent descending. It is a read-only aggregation used
// for cross-shard promotion, never for in-shard elimination.
func (m *Manager) GlobalLeaderboard() []model.LeaderboardEntry {
	boards := make([][]model.LeaderboardEntry, 0)
	for _, sh := range m.Shards() {
		boards = append(boards, sh.Engine.Leaderboard())
	}
	return rank.Merge(boards...)
}

// Export copies every shard for persistence. Each shard's accounts are
// exported under that shard's engine lock, so no export interleaves with
// order execution on the same shard.
func (m *Manager) Export() []model.ShardSnapshot {
	shards := m.Shards()
	out := make([]model.ShardSnapshot, 0, len(shards))
	for _, sh := range shards {
		out = append(out, model.ShardSnapshot{
			ID:        sh.ID,
			AssetPool: sh.AssetPool,
			Accounts:  sh.Engine.Snapshot(),
		})
	}
	return out
}

// Restore recreates shards from a snapshot, preserving recorded shard ids
// and asset pools, and re-registers every account exactly. The round-robin
// pool cursor resumes past the restored shards.
func (m *Manager) Restore(snaps []model.ShardSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range snaps {
		sh := m.buildShard(snap.ID, m.poolName(snap.AssetPool), snap.AssetPool)
		for _, acct := range snap.Accounts {
			if err := sh.Engine.RestoreAccount(acct); err != nil {
				return err
			}
			m.byAgent[acct.AgentID] = sh
		}
		m.shards = append(m.shards, sh)
		if snap.ID >= m.nextID {
			m.nextID = snap.ID + 1
		}
		m.poolIdx++
	}
	return nil
}

// poolName matches a restored asset pool back to a configured pool name.
func (m *Manager) poolName(assets map[string]string) string {
	for _, pool := range m.cfg.Pools {
		if len(pool.Assets) != len(assets) {
			continue
		}
		match := true
		for sym, ref := range pool.Assets {
			if assets[sym] != ref {
				match = false
				break
			}
		}
		if match {
			return pool.Name
		}
	}
	return "restored"
}
