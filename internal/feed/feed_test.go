package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthetic_Deterministic(t *testing.T) {
	pool := map[string]string{"BTC": "binance:BTCUSDT", "ETH": "binance:ETHUSDT"}

	a := NewSynthetic(0.01, 42)
	b := NewSynthetic(0.01, 42)

	for i := 0; i < 10; i++ {
		snapA := a.Snapshot(pool)
		snapB := b.Snapshot(pool)
		require.Len(t, snapA, 2)
		for sym, price := range snapA {
			assert.True(t, price.Equal(snapB[sym]), "same seed must reproduce the walk")
		}
	}
}

func TestSynthetic_PricesStayPositive(t *testing.T) {
	pool := map[string]string{"DOGE": "binance:DOGEUSDT"}
	s := NewSynthetic(0.5, 7) // absurd volatility to stress the clamp

	for i := 0; i < 1000; i++ {
		snap := s.Snapshot(pool)
		assert.True(t, snap["DOGE"].IsPositive(), "tick %d produced non-positive price", i)
	}
}

func TestSynthetic_WalkMoves(t *testing.T) {
	pool := map[string]string{"BTC": "x"}
	s := NewSynthetic(0.01, 1)

	first := s.Snapshot(pool)["BTC"]
	second := s.Snapshot(pool)["BTC"]
	assert.False(t, first.Equal(second), "consecutive snapshots should differ")
}
