// Package epoch drives the competition lifecycle: a recurring state machine
// that closes trading windows, ranks and eliminates per shard, tracks
// cross-shard streaks and promotions, and persists everything at the epoch
// boundary. It runs until process shutdown; there is no terminal state.
package epoch

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentarena/arena-engine/internal/config"
	"github.com/agentarena/arena-engine/internal/metrics"
	"github.com/agentarena/arena-engine/internal/model"
	"github.com/agentarena/arena-engine/internal/rank"
	"github.com/agentarena/arena-engine/internal/shard"
	"github.com/agentarena/arena-engine/internal/store"
)

// Phase is the scheduler's current state.
type Phase string

const (
	PhaseTrading       Phase = "TRADING"
	PhaseEnding        Phase = "ENDING"
	PhaseCouncilOpen   Phase = "COUNCIL_OPEN"
	PhaseCouncilClosed Phase = "COUNCIL_CLOSED"
)

// Config holds the scheduler's timing and lifecycle policy.
type Config struct {
	TradingWindow       time.Duration
	CouncilWindow       time.Duration
	EliminationFraction float64

	// RespawnEliminated re-assigns eliminated agents with a fresh account
	// immediately, keeping the population stable while the external
	// evolution collaborator rewrites their strategy.
	RespawnEliminated bool

	Tiers []config.Tier

	// OnPhase, if set, is called on every transition (broadcasts, metrics).
	OnPhase func(phase Phase, epoch int64)
}

// Scheduler owns the global epoch state. Per-shard computation happens on
// each shard engine's own serialized path; the scheduler's mutex guards only
// the cross-epoch records and the phase.
type Scheduler struct {
	cfg       Config
	mgr       *shard.Manager
	gateway   *store.Gateway
	evolution EvolutionSink
	council   CouncilNotifier
	chain     ChainSink

	mu       sync.Mutex
	epoch    int64
	phase    Phase
	records  map[string]*model.AgentRecord
	promoted map[string]map[string]bool // tier → agent set

	// lastFills holds the fills drained at the most recent window close,
	// rationale tags stripped, for the council brief.
	lastFills []model.Fill
}

// New creates a scheduler resuming from a restored epoch snapshot.
func New(cfg Config, mgr *shard.Manager, gateway *store.Gateway, state model.EpochSnapshot) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		mgr:       mgr,
		gateway:   gateway,
		evolution: LogSink{},
		council:   LogSink{},
		chain:     LogSink{},
		epoch:     state.Epoch,
		phase:     PhaseTrading,
		records:   make(map[string]*model.AgentRecord),
		promoted:  make(map[string]map[string]bool),
	}
	if s.epoch < 1 {
		s.epoch = 1
	}
	for id, rec := range state.Records {
		r := *rec
		s.records[id] = &r
	}
	for tier, agents := range state.Promoted {
		set := make(map[string]bool, len(agents))
		for _, id := range agents {
			set[id] = true
		}
		s.promoted[tier] = set
	}
	return s
}

// SetCollaborators replaces the default log-only sinks. Nil arguments keep
// the current sink.
func (s *Scheduler) SetCollaborators(ev EvolutionSink, co CouncilNotifier, ch ChainSink) {
	if ev != nil {
		s.evolution = ev
	}
	if co != nil {
		s.council = co
	}
	if ch != nil {
		s.chain = ch
	}
}

// Epoch returns the current epoch number.
func (s *Scheduler) Epoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Phase returns the current phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot exports the cross-epoch state for persistence.
func (s *Scheduler) Snapshot() model.EpochSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() model.EpochSnapshot {
	snap := model.EpochSnapshot{
		Epoch:    s.epoch,
		Records:  make(map[string]*model.AgentRecord, len(s.records)),
		Promoted: make(map[string][]string, len(s.promoted)),
	}
	for id, rec := range s.records {
		r := *rec
		snap.Records[id] = &r
	}
	for tier, set := range s.promoted {
		agents := make([]string, 0, len(set))
		for id := range set {
			agents = append(agents, id)
		}
		sort.Strings(agents)
		snap.Promoted[tier] = agents
	}
	return snap
}

// Run executes the lifecycle loop until ctx is cancelled, then makes a
// final best-effort persistence flush.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("epoch scheduler started",
		"epoch", s.Epoch(),
		"trading_window", s.cfg.TradingWindow,
		"council_window", s.cfg.CouncilWindow,
	)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.gateway.Persist(flushCtx, s.Snapshot()); err != nil {
			slog.Error("final persistence flush failed", "err", err)
		}
	}()

	for {
		s.transition(PhaseTrading)
		if !sleep(ctx, s.cfg.TradingWindow) {
			return
		}

		s.transition(PhaseEnding)
		s.endEpoch(ctx)

		s.transition(PhaseCouncilOpen)
		s.openCouncil(ctx)
		if !sleep(ctx, s.cfg.CouncilWindow) {
			return
		}

		s.transition(PhaseCouncilClosed)
		s.closeCouncil(ctx)
	}
}

func (s *Scheduler) transition(p Phase) {
	s.mu.Lock()
	s.phase = p
	epoch := s.epoch
	s.mu.Unlock()
	if s.cfg.OnPhase != nil {
		s.cfg.OnPhase(p, epoch)
	}
}

// sleep waits for d or returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// endEpoch runs the ENDING phase: per-shard ranking and elimination, then
// the single global pass for streaks, cumulative returns, and promotions.
func (s *Scheduler) endEpoch(ctx context.Context) {
	epoch := s.Epoch()

	histories := make(map[string][]float64)
	epochReturns := make(map[string]float64)
	survivors := make(map[string]bool)
	var drained []model.Fill

	// Each shard independently: close the window on the shard's own
	// serialized path, rank, eliminate the bottom slice, hand off.
	for _, sh := range s.mgr.Shards() {
		res := sh.Engine.CloseTradingWindow()
		n := len(res.Entries)
		if n == 0 {
			continue
		}

		elim := eliminationCount(n, s.cfg.EliminationFraction)
		eliminated := make([]string, 0, elim)
		for _, entry := range res.Entries[n-elim:] {
			eliminated = append(eliminated, entry.AgentID)
		}

		report := Report{
			Epoch:      epoch,
			ShardID:    sh.ID,
			WinnerID:   res.Entries[0].AgentID,
			Eliminated: eliminated,
			TagStats:   rank.TagStats(res.Fills),
		}
		s.evolution.EpochEnded(ctx, report)

		for _, f := range res.Fills {
			f.Tags = nil
			drained = append(drained, f)
		}

		for id, history := range res.Returns {
			histories[id] = history
			epochReturns[id] = history[len(history)-1]
			survivors[id] = true
		}

		for _, id := range eliminated {
			delete(survivors, id)
			s.mgr.Remove(id)
			s.forgetAgent(id)
			if s.cfg.RespawnEliminated {
				s.mgr.Assign(id)
			}
		}
		metrics.EliminationsTotal.Add(float64(len(eliminated)))

		slog.Info("shard epoch closed",
			"epoch", epoch,
			"shard", sh.ID,
			"members", n,
			"winner", report.WinnerID,
			"eliminated", len(eliminated),
		)
	}

	s.mu.Lock()
	s.lastFills = drained
	s.mu.Unlock()

	s.globalPass(ctx, epoch, histories, epochReturns, survivors)
}

// eliminationCount is max(1, floor(n*fraction)), capped at the shard size.
// A one-member shard still eliminates its only member; that minimum-1
// policy is deliberate.
func eliminationCount(n int, fraction float64) int {
	c := int(math.Floor(float64(n) * fraction))
	if c < 1 {
		c = 1
	}
	if c > n {
		c = n
	}
	return c
}

// globalPass computes the merged leaderboard once, updates win streaks and
// cumulative returns for survivors, and evaluates promotion tiers.
func (s *Scheduler) globalPass(ctx context.Context, epoch int64, histories map[string][]float64, epochReturns map[string]float64, survivors map[string]bool) {
	global := s.mgr.GlobalLeaderboard()

	var top string
	for _, entry := range global {
		if survivors[entry.AgentID] {
			top = entry.AgentID
			break
		}
	}

	var events []model.PromotionEvent

	s.mu.Lock()
	for id := range survivors {
		rec, ok := s.records[id]
		if !ok {
			rec = &model.AgentRecord{}
			s.records[id] = rec
		}
		if id == top {
			rec.WinStreak++
		} else {
			rec.WinStreak = 0
		}
		r := epochReturns[id]
		rec.CumulativeReturn += r
		if r > 0 {
			rec.PositiveEpochs++
		}

		score := rank.Compute(histories[id], rec.CumulativeReturn)
		for _, tier := range s.cfg.Tiers {
			if s.promoted[tier.Name] == nil {
				s.promoted[tier.Name] = make(map[string]bool)
			}
			if s.promoted[tier.Name][id] {
				continue
			}
			if score.Composite >= tier.MinScore &&
				rec.WinStreak >= tier.MinStreak &&
				rec.PositiveEpochs >= tier.MinPositive &&
				rec.CumulativeReturn >= tier.MinCumReturn {
				s.promoted[tier.Name][id] = true
				events = append(events, model.PromotionEvent{
					AgentID: id,
					Epoch:   epoch,
					Tier:    tier.Name,
				})
			}
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		metrics.PromotionsTotal.WithLabelValues(ev.Tier).Inc()
		s.chain.Promoted(ctx, ev)
	}
}

// forgetAgent drops an eliminated agent's cross-epoch record. Promotion
// history is kept: tiers already reached are facts, not state.
func (s *Scheduler) forgetAgent(id string) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// openCouncil hands the frozen-epoch brief to the council collaborator.
// Order flow keeps running for the whole window; only the epoch number and
// the brief itself are frozen.
func (s *Scheduler) openCouncil(ctx context.Context) {
	s.mu.Lock()
	epoch := s.epoch
	fills := make([]model.Fill, len(s.lastFills))
	copy(fills, s.lastFills)
	s.mu.Unlock()

	brief := CouncilBrief{
		Epoch:       epoch,
		ShardPrices: make(map[int64]map[string]decimal.Decimal),
		RecentFills: fills,
	}
	for _, sh := range s.mgr.Shards() {
		brief.ShardPrices[sh.ID] = sh.Engine.Prices()
	}
	s.council.CouncilWindow(ctx, brief)
}

// closeCouncil persists full state, then advances the epoch. Persistence
// failure is logged and the epoch still advances: liveness over durability,
// the next cycle self-heals.
func (s *Scheduler) closeCouncil(ctx context.Context) {
	if err := s.gateway.Persist(ctx, s.Snapshot()); err != nil {
		slog.Error("epoch persistence failed, advancing anyway", "err", err)
	}

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()
	slog.Info("epoch advanced", "epoch", epoch)
}
