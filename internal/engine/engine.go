// Package engine implements the per-shard matching engine and account ledger.
//
// Every order fills immediately against the cached reference price with a
// fixed adverse slippage — there is no order book and no matching between
// agents. All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentarena/arena-engine/internal/model"
)

// Config holds the immutable parameters of one engine instance.
type Config struct {
	ShardID          int64
	InitialBalance   decimal.Decimal
	Slippage         decimal.Decimal // fixed fraction, e.g. 0.002
	ReturnHistoryCap int
	TradeHistoryCap  int

	// Symbols is the shard's immutable asset pool: symbol → reference
	// identifier. Price updates for symbols outside the pool are ignored.
	Symbols map[string]string

	// OnFill, if set, is invoked for every committed fill while the engine
	// lock is held. Implementations must not block.
	OnFill func(model.Fill)
}

// Engine executes orders against cached reference prices and owns the
// accounts of its shard's members. A single mutex serializes order
// execution, leaderboard computation, and epoch-end bookkeeping, which is
// what guarantees per-account consistency and consistent epoch snapshots.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	prices   map[string]decimal.Decimal
	accounts map[string]*model.Account
	order    []string // agent ids in registration order
	nextSeq  int64

	// epochFills accumulates fills since the last trading-window close and
	// feeds the per-tag attribution stats.
	epochFills []model.Fill

	// history is the engine-wide recent trade log, capped.
	history []model.Fill
}

// EpochResult is the consistent per-shard view taken when a trading window
// closes: the ranked leaderboard, each member's updated return history, and
// the fills executed during the window.
type EpochResult struct {
	Entries []model.LeaderboardEntry
	Returns map[string][]float64
	Fills   []model.Fill
}

// New creates an engine for one shard.
func New(cfg Config) *Engine {
	if cfg.ReturnHistoryCap <= 0 {
		cfg.ReturnHistoryCap = 50
	}
	if cfg.TradeHistoryCap <= 0 {
		cfg.TradeHistoryCap = 500
	}
	return &Engine{
		cfg:      cfg,
		prices:   make(map[string]decimal.Decimal),
		accounts: make(map[string]*model.Account),
	}
}

// Register creates an account with the initial balance. Idempotent.
func (e *Engine) Register(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.register(agentID)
}

func (e *Engine) register(agentID string) *model.Account {
	if acct, ok := e.accounts[agentID]; ok {
		return acct
	}
	acct := &model.Account{
		AgentID:   agentID,
		Balance:   e.cfg.InitialBalance,
		Positions: make(map[string]*model.Position),
		Seq:       e.nextSeq,
	}
	e.nextSeq++
	e.accounts[agentID] = acct
	e.order = append(e.order, agentID)
	return acct
}

// Remove deletes an agent's account. Administrative removal only.
func (e *Engine) Remove(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[agentID]; !ok {
		return
	}
	delete(e.accounts, agentID)
	for i, id := range e.order {
		if id == agentID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Has reports whether the agent holds an account in this shard.
func (e *Engine) Has(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.accounts[agentID]
	return ok
}

// Members returns the agent ids holding accounts, in registration order.
func (e *Engine) Members() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Size returns the number of accounts.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.accounts)
}

// UpdatePrices replaces cached reference prices for pool symbols present in
// the snapshot. Symbols outside the shard's asset pool are ignored. Account
// state is never touched here.
func (e *Engine) UpdatePrices(snapshot map[string]decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sym, price := range snapshot {
		if _, ok := e.cfg.Symbols[sym]; !ok {
			continue
		}
		if price.IsPositive() {
			e.prices[sym] = price
		}
	}
}

// Prices returns a copy of the current reference price cache.
func (e *Engine) Prices() map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.prices))
	for sym, p := range e.prices {
		out[sym] = p
	}
	return out
}

// ExecuteOrder executes one buy or sell for an agent. Buys interpret amount
// as USD notional; sells interpret it as quantity. The fill price is the
// reference price adjusted by the configured slippage, adverse to the agent,
// deterministic given the reference price. Mutation is all-or-nothing: a
// rejected order leaves the account untouched. An account is created on
// first contact.
func (e *Engine) ExecuteOrder(agentID, symbol string, side model.Side, amount decimal.Decimal, tags []string) (*model.Fill, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ref, ok := e.prices[symbol]
	if !ok || !ref.IsPositive() {
		return nil, ErrUnknownSymbol
	}

	acct := e.register(agentID)
	one := decimal.NewFromInt(1)

	fill := model.Fill{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		ShardID:        e.cfg.ShardID,
		Symbol:         symbol,
		Side:           side,
		Amount:         amount,
		ReferencePrice: ref,
		Timestamp:      time.Now().UTC(),
		Tags:           tags,
	}

	switch side {
	case model.Buy:
		cost := amount
		if cost.GreaterThan(acct.Balance) {
			return nil, ErrInsufficientFunds
		}
		fillPrice := ref.Mul(one.Add(e.cfg.Slippage))
		qty := cost.Div(fillPrice)

		pos, held := acct.Positions[symbol]
		if !held {
			pos = &model.Position{Symbol: symbol, AvgPrice: fillPrice}
			acct.Positions[symbol] = pos
		} else {
			// Volume-weighted cost basis across the old lot and this fill.
			oldCost := pos.Amount.Mul(pos.AvgPrice)
			pos.AvgPrice = oldCost.Add(qty.Mul(fillPrice)).Div(pos.Amount.Add(qty))
		}
		pos.Amount = pos.Amount.Add(qty)
		acct.Balance = acct.Balance.Sub(cost)

		fill.FillPrice = fillPrice
		fill.Quantity = qty

	case model.Sell:
		qty := amount
		pos, held := acct.Positions[symbol]
		if !held || pos.Amount.LessThan(qty) {
			return nil, ErrInsufficientPosition
		}
		fillPrice := ref.Mul(one.Sub(e.cfg.Slippage))
		proceeds := qty.Mul(fillPrice)

		realized := fillPrice.Sub(pos.AvgPrice).
			Div(pos.AvgPrice).
			Mul(decimal.NewFromInt(100)).
			InexactFloat64()

		acct.Balance = acct.Balance.Add(proceeds)
		pos.Amount = pos.Amount.Sub(qty)
		if pos.Amount.IsZero() {
			delete(acct.Positions, symbol)
		}

		fill.FillPrice = fillPrice
		fill.Quantity = qty
		fill.RealizedPct = &realized
	}

	acct.TradeLog = append(acct.TradeLog, fill)
	e.epochFills = append(e.epochFills, fill)
	e.history = append(e.history, fill)
	if len(e.history) > e.cfg.TradeHistoryCap {
		e.history = e.history[len(e.history)-e.cfg.TradeHistoryCap:]
	}

	if e.cfg.OnFill != nil {
		e.cfg.OnFill(fill)
	}

	slog.Debug("order executed",
		"shard", e.cfg.ShardID,
		"agent", agentID,
		"symbol", symbol,
		"side", side,
		"fill_price", fill.FillPrice.String(),
	)
	return &fill, nil
}

// Leaderboard ranks all accounts by PnL percent descending. Ties keep
// registration order (stable sort).
func (e *Engine) Leaderboard() []model.LeaderboardEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderboard()
}

func (e *Engine) leaderboard() []model.LeaderboardEntry {
	entries := make([]model.LeaderboardEntry, 0, len(e.order))
	for _, id := range e.order {
		acct := e.accounts[id]
		tv := e.totalValue(acct)
		entries = append(entries, model.LeaderboardEntry{
			AgentID:    id,
			PnLPercent: e.pnlPercent(tv),
			TotalValue: tv,
			ShardID:    e.cfg.ShardID,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].PnLPercent > entries[j].PnLPercent
	})
	return entries
}

// totalValue marks the account to market: cash plus every position at its
// current reference price. A position whose price has not been cached yet is
// marked at cost.
func (e *Engine) totalValue(acct *model.Account) decimal.Decimal {
	tv := acct.Balance
	for sym, pos := range acct.Positions {
		mark, ok := e.prices[sym]
		if !ok {
			mark = pos.AvgPrice
		}
		tv = tv.Add(pos.Amount.Mul(mark))
	}
	return tv
}

func (e *Engine) pnlPercent(totalValue decimal.Decimal) float64 {
	return totalValue.Sub(e.cfg.InitialBalance).
		Div(e.cfg.InitialBalance).
		Mul(decimal.NewFromInt(100)).
		InexactFloat64()
}

// CloseTradingWindow takes the consistent end-of-epoch view for this shard:
// it appends every member's current PnL percent to its return history
// (dropping the oldest entry past the cap), ranks the shard, and drains the
// fills executed during the window. Runs on the same serialized path as
// order execution, so no order can commit mid-computation.
func (e *Engine) CloseTradingWindow() EpochResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	returns := make(map[string][]float64, len(e.accounts))
	for _, id := range e.order {
		acct := e.accounts[id]
		pct := e.pnlPercent(e.totalValue(acct))
		acct.ReturnHistory = append(acct.ReturnHistory, pct)
		if len(acct.ReturnHistory) > e.cfg.ReturnHistoryCap {
			acct.ReturnHistory = acct.ReturnHistory[len(acct.ReturnHistory)-e.cfg.ReturnHistoryCap:]
		}
		returns[id] = append([]float64(nil), acct.ReturnHistory...)
	}

	fills := e.epochFills
	e.epochFills = nil

	return EpochResult{
		Entries: e.leaderboard(),
		Returns: returns,
		Fills:   fills,
	}
}

// State returns an agent's balance, position copies, and current PnL percent.
func (e *Engine) State(agentID string) (decimal.Decimal, []model.Position, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, ok := e.accounts[agentID]
	if !ok {
		return decimal.Decimal{}, nil, 0, ErrUnknownAgent
	}
	positions := make([]model.Position, 0, len(acct.Positions))
	for _, pos := range acct.Positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	tv := e.totalValue(acct)
	return acct.Balance, positions, e.pnlPercent(tv), nil
}

// History returns a copy of the engine-wide recent trade log.
func (e *Engine) History() []model.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Fill, len(e.history))
	copy(out, e.history)
	return out
}

// Snapshot exports every account as an exact point-in-time copy. Holding the
// engine lock for the whole export is what prevents partial reads of an
// account mid-mutation.
func (e *Engine) Snapshot() []model.AccountSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.AccountSnapshot, 0, len(e.order))
	for _, id := range e.order {
		acct := e.accounts[id]
		snap := model.AccountSnapshot{
			AgentID:       id,
			Balance:       acct.Balance.String(),
			ReturnHistory: append([]float64(nil), acct.ReturnHistory...),
			Seq:           acct.Seq,
		}
		syms := make([]string, 0, len(acct.Positions))
		for sym := range acct.Positions {
			syms = append(syms, sym)
		}
		sort.Strings(syms)
		for _, sym := range syms {
			pos := acct.Positions[sym]
			snap.Positions = append(snap.Positions, model.PositionSnapshot{
				Symbol:   pos.Symbol,
				Amount:   pos.Amount.String(),
				AvgPrice: pos.AvgPrice.String(),
			})
		}
		out = append(out, snap)
	}
	return out
}

// RestoreAccount recreates an account from a snapshot, replacing any
// existing account for the same agent.
func (e *Engine) RestoreAccount(snap model.AccountSnapshot) error {
	balance, err := decimal.NewFromString(snap.Balance)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	acct := &model.Account{
		AgentID:       snap.AgentID,
		Balance:       balance,
		Positions:     make(map[string]*model.Position, len(snap.Positions)),
		ReturnHistory: append([]float64(nil), snap.ReturnHistory...),
		Seq:           snap.Seq,
	}
	for _, pos := range snap.Positions {
		amount, err := decimal.NewFromString(pos.Amount)
		if err != nil {
			return err
		}
		avg, err := decimal.NewFromString(pos.AvgPrice)
		if err != nil {
			return err
		}
		acct.Positions[pos.Symbol] = &model.Position{
			Symbol:   pos.Symbol,
			Amount:   amount,
			AvgPrice: avg,
		}
	}
	if _, exists := e.accounts[snap.AgentID]; !exists {
		e.order = append(e.order, snap.AgentID)
	}
	e.accounts[snap.AgentID] = acct
	if snap.Seq >= e.nextSeq {
		e.nextSeq = snap.Seq + 1
	}
	return nil
}
