package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentarena/arena-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newTestEngine(t *testing.T, slippage float64) *Engine {
	t.Helper()
	e := New(Config{
		ShardID:          1,
		InitialBalance:   d(10000),
		Slippage:         d(slippage),
		ReturnHistoryCap: 5,
		TradeHistoryCap:  100,
		Symbols:          map[string]string{"BTC": "binance:BTCUSDT", "ETH": "binance:ETHUSDT"},
	})
	e.UpdatePrices(map[string]decimal.Decimal{"BTC": d(100), "ETH": d(20)})
	return e
}

func TestExecuteOrder_BuyCreatesPosition(t *testing.T) {
	e := newTestEngine(t, 0)

	fill, err := e.ExecuteOrder("a1", "BTC", model.Buy, d(1000), []string{"momentum"})
	require.NoError(t, err)

	assert.True(t, fill.FillPrice.Equal(d(100)), "zero slippage fills at reference")
	assert.True(t, fill.Quantity.Equal(d(10)))
	assert.Nil(t, fill.RealizedPct)

	balance, positions, _, err := e.State("a1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(9000)))
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Amount.Equal(d(10)))
	assert.True(t, positions[0].AvgPrice.Equal(d(100)))
}

func TestExecuteOrder_SlippageIsAdverse(t *testing.T) {
	e := newTestEngine(t, 0.002)

	buy, err := e.ExecuteOrder("a1", "BTC", model.Buy, d(1000), nil)
	require.NoError(t, err)
	assert.True(t, buy.FillPrice.Equal(d(100.2)), "buy fills above reference, got %s", buy.FillPrice)

	sell, err := e.ExecuteOrder("a1", "BTC", model.Sell, d(1), nil)
	require.NoError(t, err)
	assert.True(t, sell.FillPrice.Equal(d(99.8)), "sell fills below reference, got %s", sell.FillPrice)
}

func TestExecuteOrder_AvgPriceVolumeWeighted(t *testing.T) {
	e := newTestEngine(t, 0)
	e.UpdatePrices(map[string]decimal.Decimal{"BTC": d(1)})

	// qty 10 @ 1.0
	_, err := e.ExecuteOrder("a1", "BTC", model.Buy, d(10), nil)
	require.NoError(t, err)

	// qty 10 @ 2.0
	e.UpdatePrices(map[string]decimal.Decimal{"BTC": d(2)})
	_, err = e.ExecuteOrder("a1", "BTC", model.Buy, d(20), nil)
	require.NoError(t, err)

	_, positions, _, err := e.State("a1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Amount.Equal(d(20)))
	assert.True(t, positions[0].AvgPrice.Equal(d(1.5)), "expected 1.5, got %s", positions[0].AvgPrice)
}

func TestExecuteOrder_SellRealizesPnLAndDeletesAtZero(t *testing.T) {
	e := newTestEngine(t, 0)

	_, err := e.ExecuteOrder("a1", "BTC", model.Buy, d(1000), nil)
	require.NoError(t, err)

	e.UpdatePrices(map[string]decimal.Decimal{"BTC": d(110)})
	fill, err := e.ExecuteOrder("a1", "BTC", model.Sell, d(10), nil)
	require.NoError(t, err)

	require.NotNil(t, fill.RealizedPct)
	assert.InDelta(t, 10.0, *fill.RealizedPct, 1e-9)

	balance, positions, _, err := e.State("a1")
	require.NoError(t, err)
	assert.Empty(t, positions, "position entry removed at zero amount")
	assert.True(t, balance.Equal(d(10100)))
}

func TestExecuteOrder_Validation(t *testing.T) {
	e := newTestEngine(t, 0)

	_, err := e.ExecuteOrder("a1", "XRP", model.Buy, d(10), nil)
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	_, err = e.ExecuteOrder("a1", "BTC", model.Buy, d(0), nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.ExecuteOrder("a1", "BTC", model.Buy, d(-5), nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.ExecuteOrder("a1", "BTC", model.Side("HOLD"), d(10), nil)
	assert.ErrorIs(t, err, ErrInvalidSide)

	_, err = e.ExecuteOrder("a1", "BTC", model.Buy, d(10001), nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestExecuteOrder_RejectedSellLeavesAccountUnchanged(t *testing.T) {
	e := newTestEngine(t, 0)
	_, err := e.ExecuteOrder("a1", "BTC", model.Buy, d(500), nil)
	require.NoError(t, err)

	before := e.Snapshot()

	_, err = e.ExecuteOrder("a1", "BTC", model.Sell, d(6), nil)
	require.ErrorIs(t, err, ErrInsufficientPosition)

	assert.Equal(t, before, e.Snapshot(), "failed order must not mutate the account")
}

func TestAccountingIdentity(t *testing.T) {
	// balance + Σ amount*avgPrice == initial + Σ realized USD, exactly,
	// for prices where notional/price divides evenly.
	e := newTestEngine(t, 0)
	e.UpdatePrices(map[string]decimal.Decimal{"BTC": d(100), "ETH": d(20)})

	realizedUSD := decimal.Zero
	check := func() {
		snaps := e.Snapshot()
		total := decimal.Zero
		for _, s := range snaps {
			b, err := decimal.NewFromString(s.Balance)
			require.NoError(t, err)
			total = total.Add(b)
			for _, p := range s.Positions {
				amt, err := decimal.NewFromString(p.Amount)
				require.NoError(t, err)
				avg, err := decimal.NewFromString(p.AvgPrice)
				require.NoError(t, err)
				total = total.Add(amt.Mul(avg))
			}
		}
		want := d(10000).Add(realizedUSD)
		assert.True(t, total.Equal(want), "identity broken: total=%s want=%s", total, want)
	}

	_, err := e.ExecuteOrder("a1", "BTC", model.Buy, d(2000), nil)
	require.NoError(t, err)
	check()

	_, err = e.ExecuteOrder("a1", "ETH", model.Buy, d(400), nil)
	require.NoError(t, err)
	check()

	e.UpdatePrices(map[string]decimal.Decimal{"BTC": d(120)})
	fill, err := e.ExecuteOrder("a1", "BTC", model.Sell, d(5), nil)
	require.NoError(t, err)
	realizedUSD = realizedUSD.Add(fill.FillPrice.Sub(d(100)).Mul(d(5)))
	check()

	e.UpdatePrices(map[string]decimal.Decimal{"ETH": d(10)})
	fill, err = e.ExecuteOrder("a1", "ETH", model.Sell, d(20), nil)
	require.NoError(t, err)
	realizedUSD = realizedUSD.Add(fill.FillPrice.Sub(d(20)).Mul(d(20)))
	check()
}

func TestLeaderboard_OrderAndStability(t *testing.T) {
	e := newTestEngine(t, 0)

	// a1 buys BTC, a2 buys ETH, a3 stays in cash.
	_, err := e.ExecuteOrder("a1", "BTC", model.Buy, d(1000), nil)
	require.NoError(t, err)
	_, err = e.ExecuteOrder("a2", "ETH", model.Buy, d(1000), nil)
	require.NoError(t, err)
	e.Register("a3")

	// BTC up 10%, ETH down 10%.
	e.UpdatePrices(map[string]decimal.Decimal{"BTC": d(110), "ETH": d(18)})

	lb := e.Leaderboard()
	require.Len(t, lb, 3)
	assert.Equal(t, "a1", lb[0].AgentID)
	assert.Equal(t, "a3", lb[1].AgentID)
	assert.Equal(t, "a2", lb[2].AgentID)
	assert.InDelta(t, 1.0, lb[0].PnLPercent, 1e-9)
	assert.InDelta(t, 0.0, lb[1].PnLPercent, 1e-9)
	assert.InDelta(t, -1.0, lb[2].PnLPercent, 1e-9)

	// Flat agents tie at 0% and keep registration order.
	e2 := newTestEngine(t, 0)
	for _, id := range []string{"z", "m", "a"} {
		e2.Register(id)
	}
	lb2 := e2.Leaderboard()
	require.Len(t, lb2, 3)
	assert.Equal(t, "z", lb2[0].AgentID)
	assert.Equal(t, "m", lb2[1].AgentID)
	assert.Equal(t, "a", lb2[2].AgentID)
}

func TestUpdatePrices_IgnoresUnknownSymbols(t *testing.T) {
	e := newTestEngine(t, 0)
	e.UpdatePrices(map[string]decimal.Decimal{"XRP": d(1), "BTC": d(101)})

	prices := e.Prices()
	_, hasXRP := prices["XRP"]
	assert.False(t, hasXRP)
	assert.True(t, prices["BTC"].Equal(d(101)))
}

func TestCloseTradingWindow(t *testing.T) {
	e := newTestEngine(t, 0)

	_, err := e.ExecuteOrder("a1", "BTC", model.Buy, d(1000), nil)
	require.NoError(t, err)
	e.Register("a2")
	e.UpdatePrices(map[string]decimal.Decimal{"BTC": d(110)})

	res := e.CloseTradingWindow()
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "a1", res.Entries[0].AgentID)
	require.Len(t, res.Fills, 1)
	assert.InDelta(t, 1.0, res.Returns["a1"][0], 1e-9)
	assert.InDelta(t, 0.0, res.Returns["a2"][0], 1e-9)

	// Fills drained; a second close sees none.
	res2 := e.CloseTradingWindow()
	assert.Empty(t, res2.Fills)
	assert.Len(t, res2.Returns["a1"], 2)

	// Return history is capped at the configured length.
	for i := 0; i < 10; i++ {
		e.CloseTradingWindow()
	}
	res3 := e.CloseTradingWindow()
	assert.Len(t, res3.Returns["a1"], 5)
}

func TestConcurrentSameAgentOrdersSerialize(t *testing.T) {
	e := newTestEngine(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteOrder("a1", "BTC", model.Buy, d(100), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, positions, _, err := e.State("a1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(9800)), "both orders fully applied, got %s", balance)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Amount.Equal(d(2)))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	e := newTestEngine(t, 0.002)
	for i := 0; i < 3; i++ {
		agent := fmt.Sprintf("a%d", i)
		_, err := e.ExecuteOrder(agent, "BTC", model.Buy, d(float64(100*(i+1))), nil)
		require.NoError(t, err)
	}
	e.CloseTradingWindow()

	snaps := e.Snapshot()

	restored := New(Config{
		ShardID:        1,
		InitialBalance: d(10000),
		Slippage:       d(0.002),
		Symbols:        map[string]string{"BTC": "binance:BTCUSDT"},
	})
	for _, s := range snaps {
		require.NoError(t, restored.RestoreAccount(s))
	}

	assert.Equal(t, snaps, restored.Snapshot())
}
