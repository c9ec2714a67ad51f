package epoch

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentarena/arena-engine/internal/config"
	"github.com/agentarena/arena-engine/internal/model"
	"github.com/agentarena/arena-engine/internal/shard"
	"github.com/agentarena/arena-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type captureSinks struct {
	reports    []Report
	briefs     []CouncilBrief
	promotions []model.PromotionEvent
}

func (c *captureSinks) EpochEnded(_ context.Context, r Report)              { c.reports = append(c.reports, r) }
func (c *captureSinks) CouncilWindow(_ context.Context, b CouncilBrief)     { c.briefs = append(c.briefs, b) }
func (c *captureSinks) Promoted(_ context.Context, e model.PromotionEvent) { c.promotions = append(c.promotions, e) }

func newTestManager() *shard.Manager {
	return shard.NewManager(shard.ManagerConfig{
		InitialBalance:   d(10000),
		Slippage:         decimal.Zero,
		ReturnHistoryCap: 10,
		TradeHistoryCap:  100,
		BaseGroupSize:    10,
		Pools: []config.AssetPool{
			{Name: "majors", Assets: map[string]string{
				"BTC": "binance:BTCUSDT",
				"ETH": "binance:ETHUSDT",
			}},
		},
	})
}

func newTestScheduler(t *testing.T, mgr *shard.Manager, cfg Config) (*Scheduler, *captureSinks) {
	t.Helper()
	gw := store.NewGateway(nil, store.NewMemoryStore(), mgr)
	s := New(cfg, mgr, gw, model.EpochSnapshot{Epoch: 1})
	sinks := &captureSinks{}
	s.SetCollaborators(sinks, sinks, sinks)
	return s, sinks
}

// seedShard assigns three agents and spreads them across outcomes: a1 up
// 10%, a3 down 10%, a2 flat in cash.
func seedShard(t *testing.T, mgr *shard.Manager) {
	t.Helper()
	mgr.Assign("a1")
	mgr.Assign("a2")
	mgr.Assign("a3")

	sh, ok := mgr.Shard(1)
	require.True(t, ok)
	sh.Engine.UpdatePrices(map[string]decimal.Decimal{"BTC": d(100), "ETH": d(20)})

	_, err := sh.Engine.ExecuteOrder("a1", "BTC", model.Buy, d(1000), []string{"momentum"})
	require.NoError(t, err)
	_, err = sh.Engine.ExecuteOrder("a3", "ETH", model.Buy, d(1000), []string{"dip"})
	require.NoError(t, err)

	sh.Engine.UpdatePrices(map[string]decimal.Decimal{"BTC": d(110), "ETH": d(18)})
}

func TestEliminationCount(t *testing.T) {
	assert.Equal(t, 2, eliminationCount(10, 0.2))
	assert.Equal(t, 1, eliminationCount(3, 0.2), "floor(0.6) rounds up to the minimum of one")
	assert.Equal(t, 1, eliminationCount(1, 0.2), "a one-member shard still loses its member")
	assert.Equal(t, 5, eliminationCount(5, 1.0))
	assert.Equal(t, 4, eliminationCount(20, 0.2))
}

func TestEndEpoch_EliminatesBottomAndReports(t *testing.T) {
	mgr := newTestManager()
	s, sinks := newTestScheduler(t, mgr, Config{EliminationFraction: 0.2})
	seedShard(t, mgr)

	s.endEpoch(context.Background())

	require.Len(t, sinks.reports, 1)
	r := sinks.reports[0]
	assert.Equal(t, int64(1), r.Epoch)
	assert.Equal(t, int64(1), r.ShardID)
	assert.Equal(t, "a1", r.WinnerID)
	assert.Equal(t, []string{"a3"}, r.Eliminated)

	_, stillHere := mgr.ShardFor("a3")
	assert.False(t, stillHere, "eliminated agent removed from its shard")
	_, ok := mgr.ShardFor("a1")
	assert.True(t, ok)

	snap := s.Snapshot()
	require.Contains(t, snap.Records, "a1")
	assert.Equal(t, 1, snap.Records["a1"].WinStreak)
	assert.InDelta(t, 1.0, snap.Records["a1"].CumulativeReturn, 1e-9)
	assert.Equal(t, 1, snap.Records["a1"].PositiveEpochs)
	require.Contains(t, snap.Records, "a2")
	assert.Equal(t, 0, snap.Records["a2"].WinStreak)
	assert.Equal(t, 0, snap.Records["a2"].PositiveEpochs)
	assert.NotContains(t, snap.Records, "a3", "eliminated agent's record is dropped")
}

func TestEndEpoch_RespawnReassignsWithFreshAccount(t *testing.T) {
	mgr := newTestManager()
	s, _ := newTestScheduler(t, mgr, Config{EliminationFraction: 0.2, RespawnEliminated: true})
	seedShard(t, mgr)

	s.endEpoch(context.Background())

	sh, ok := mgr.ShardFor("a3")
	require.True(t, ok, "respawned agent is re-assigned")
	balance, positions, _, err := sh.Engine.State("a3")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(10000)), "respawn starts from the initial balance")
	assert.Empty(t, positions)

	assert.NotContains(t, s.Snapshot().Records, "a3", "respawn does not revive the old record")
}

func TestEndEpoch_SingleMemberShard(t *testing.T) {
	mgr := newTestManager()
	s, sinks := newTestScheduler(t, mgr, Config{EliminationFraction: 0.2})
	mgr.Assign("solo")

	s.endEpoch(context.Background())

	require.Len(t, sinks.reports, 1)
	assert.Equal(t, []string{"solo"}, sinks.reports[0].Eliminated)
	assert.Equal(t, 0, mgr.Population())
	assert.Empty(t, mgr.Shards(), "emptied shard is torn down")
}

func TestGlobalPass_StreakResetsWhenDethroned(t *testing.T) {
	mgr := newTestManager()
	s, _ := newTestScheduler(t, mgr, Config{EliminationFraction: 0.01, RespawnEliminated: true})
	seedShard(t, mgr)

	s.endEpoch(context.Background())
	require.Equal(t, 1, s.Snapshot().Records["a1"].WinStreak)

	// a2 overtakes in the next window.
	sh, ok := mgr.ShardFor("a2")
	require.True(t, ok)
	_, err := sh.Engine.ExecuteOrder("a2", "BTC", model.Buy, d(5000), nil)
	require.NoError(t, err)
	sh.Engine.UpdatePrices(map[string]decimal.Decimal{"BTC": d(150)})

	s.endEpoch(context.Background())

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Records["a2"].WinStreak)
	assert.Equal(t, 0, snap.Records["a1"].WinStreak, "dethroned winner resets to zero")
}

func TestGlobalPass_PromotionFiresOnce(t *testing.T) {
	mgr := newTestManager()
	s, sinks := newTestScheduler(t, mgr, Config{
		EliminationFraction: 0.01,
		RespawnEliminated:   true,
		Tiers: []config.Tier{
			{Name: "gold", MinScore: 0, MinStreak: 1, MinPositive: 1, MinCumReturn: 0},
		},
	})
	seedShard(t, mgr)

	s.endEpoch(context.Background())

	require.Len(t, sinks.promotions, 1)
	assert.Equal(t, "a1", sinks.promotions[0].AgentID)
	assert.Equal(t, "gold", sinks.promotions[0].Tier)
	assert.Equal(t, int64(1), sinks.promotions[0].Epoch)

	// Another winning epoch must not re-promote to the same tier.
	sh, ok := mgr.ShardFor("a1")
	require.True(t, ok)
	sh.Engine.UpdatePrices(map[string]decimal.Decimal{"BTC": d(120)})
	s.endEpoch(context.Background())

	assert.Len(t, sinks.promotions, 1)
	assert.Equal(t, []string{"a1"}, s.Snapshot().Promoted["gold"])
}

func TestOpenCouncil_BriefCarriesPricesAndStrippedFills(t *testing.T) {
	mgr := newTestManager()
	s, sinks := newTestScheduler(t, mgr, Config{EliminationFraction: 0.01, RespawnEliminated: true})
	seedShard(t, mgr)

	s.endEpoch(context.Background())
	s.openCouncil(context.Background())

	require.Len(t, sinks.briefs, 1)
	brief := sinks.briefs[0]
	assert.Equal(t, int64(1), brief.Epoch)
	require.Contains(t, brief.ShardPrices, int64(1))
	assert.True(t, brief.ShardPrices[1]["BTC"].Equal(d(110)))

	require.Len(t, brief.RecentFills, 2)
	for _, f := range brief.RecentFills {
		assert.Nil(t, f.Tags, "rationale tags never leave the engine")
	}
}

func TestCloseCouncil_AdvancesEpochDespitePersistFailure(t *testing.T) {
	mgr := newTestManager()
	broken := store.NewMemoryStore()
	broken.FailSaves = true
	gw := store.NewGateway(nil, broken, mgr)
	s := New(Config{EliminationFraction: 0.2}, mgr, gw, model.EpochSnapshot{Epoch: 7})

	s.closeCouncil(context.Background())

	assert.Equal(t, int64(8), s.Epoch(), "persistence is soft-fail, the epoch advances")
}

func TestSnapshotRoundTrip(t *testing.T) {
	mgr := newTestManager()
	gw := store.NewGateway(nil, store.NewMemoryStore(), mgr)
	state := model.EpochSnapshot{
		Epoch: 12,
		Records: map[string]*model.AgentRecord{
			"a1": {WinStreak: 2, CumulativeReturn: 14.5, PositiveEpochs: 4},
		},
		Promoted: map[string][]string{"gold": {"a1", "a9"}},
	}

	s := New(Config{}, mgr, gw, state)

	assert.Equal(t, state, s.Snapshot())
	assert.Equal(t, int64(12), s.Epoch())
	assert.Equal(t, PhaseTrading, s.Phase())
}
