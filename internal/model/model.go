// Package model defines the core domain types shared across the arena engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Risk statistics (returns, ratios) are float64: they are measurements, not money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Position represents an agent's aggregate holding in one symbol.
// AvgPrice is the volume-weighted cost basis: recomputed on every buy,
// unchanged on sells. The entry is removed once Amount reaches zero.
type Position struct {
	Symbol   string          `json:"symbol"`
	Amount   decimal.Decimal `json:"amount"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// Fill is an immutable record of one executed order. Once created, fills are
// never modified or deleted. For sells, RealizedPct carries the percentage
// return of that round-trip against the position's cost basis.
type Fill struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id"`
	ShardID        int64           `json:"shard_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Amount         decimal.Decimal `json:"amount"` // as requested: BUY is USD notional, SELL is quantity
	Quantity       decimal.Decimal `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	Timestamp      time.Time       `json:"timestamp"`
	Tags           []string        `json:"tags,omitempty"`
	RealizedPct    *float64        `json:"realized_pct,omitempty"` // SELL only
}

// Account is the ledger record for one agent: cash, open positions, the
// append-only trade log, and a capped rolling history of per-epoch returns.
// An Account is owned exclusively by the matching engine of the shard the
// agent belongs to; no other component mutates it directly.
type Account struct {
	AgentID       string               `json:"agent_id"`
	Balance       decimal.Decimal      `json:"balance"`
	Positions     map[string]*Position `json:"positions"`
	TradeLog      []Fill               `json:"trade_log"`
	ReturnHistory []float64            `json:"return_history"`

	// Seq is the registration order within the shard, used for stable
	// leaderboard tie-breaking.
	Seq int64 `json:"seq"`
}

// LeaderboardEntry is one ranked row: descending PnL percent, ties broken by
// registration order.
type LeaderboardEntry struct {
	AgentID    string          `json:"agent_id"`
	PnLPercent float64         `json:"pnl_percent"`
	TotalValue decimal.Decimal `json:"total_value"`
	ShardID    int64           `json:"shard_id"`
}

// PromotionEvent is emitted to the external chain collaborator when an agent
// crosses a promotion tier's composite-score and streak thresholds.
type PromotionEvent struct {
	AgentID string `json:"agent_id"`
	Epoch   int64  `json:"epoch"`
	Tier    string `json:"tier"`
}

// TagStat aggregates per-tag performance over one epoch: how often sells
// carrying the tag closed profitably, and their mean realized return.
type TagStat struct {
	Tag     string  `json:"tag"`
	Trades  int     `json:"trades"`
	WinRate float64 `json:"win_rate"`
	AvgPnL  float64 `json:"avg_pnl"`
}
