package model

import "time"

// PositionSnapshot is the persisted form of one Position. Decimals travel as
// exact strings so a marshal/unmarshal cycle is byte-stable.
type PositionSnapshot struct {
	Symbol   string `json:"symbol"`
	Amount   string `json:"amount"`
	AvgPrice string `json:"avg_price"`
}

// AccountSnapshot is the persisted form of one Account. Balances and positions
// are copied exactly; the open trade log is not persisted (recent fills are
// archived separately), only the rolling return history survives restarts.
type AccountSnapshot struct {
	AgentID       string             `json:"agent_id"`
	Balance       string             `json:"balance"` // decimal string, exact
	Positions     []PositionSnapshot `json:"positions"`
	ReturnHistory []float64          `json:"return_history"`
	Seq           int64              `json:"seq"`
}

// ShardSnapshot is the persisted form of one shard: its identity, immutable
// asset pool, and every member account.
type ShardSnapshot struct {
	ID        int64             `json:"id"`
	AssetPool map[string]string `json:"asset_pool"`
	Accounts  []AccountSnapshot `json:"accounts"`
}

// AgentRecord tracks cross-epoch state for one agent.
type AgentRecord struct {
	WinStreak        int     `json:"win_streak"`
	CumulativeReturn float64 `json:"cumulative_return"`
	PositiveEpochs   int     `json:"positive_epochs"`
}

// EpochSnapshot is the persisted form of the global epoch state machine.
type EpochSnapshot struct {
	Epoch    int64                   `json:"epoch"`
	Records  map[string]*AgentRecord `json:"records"`
	Promoted map[string][]string     `json:"promoted"` // tier → agent ids
}

// ArenaSnapshot is the full point-in-time export written by the persistence
// gateway and consumed at startup. Exporting a shard never interleaves with
// that shard's order execution.
type ArenaSnapshot struct {
	SavedAt time.Time       `json:"saved_at"`
	Epoch   EpochSnapshot   `json:"epoch"`
	Shards  []ShardSnapshot `json:"shards"`
}
