// Package feed supplies reference-price snapshots to shard engines. The
// production source is synthetic: a bounded random walk per symbol, which is
// what keeps the competition's prices ever-changing without an upstream
// market connection.
package feed

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Source produces a price snapshot for one asset pool.
type Source interface {
	// Snapshot returns symbol → reference price for the pool's symbols.
	Snapshot(pool map[string]string) map[string]decimal.Decimal
}

// Synthetic is a mean-reverting random-walk price source. Each symbol gets a
// stable base price derived from its name, so a fixed seed makes the whole
// series reproducible.
type Synthetic struct {
	mu         sync.Mutex
	rng        *rand.Rand
	volatility float64
	last       map[string]float64
}

// NewSynthetic creates a source with the given per-tick volatility fraction.
// A zero seed falls back to the wall clock.
func NewSynthetic(volatility float64, seed int64) *Synthetic {
	if volatility <= 0 {
		volatility = 0.01
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Synthetic{
		rng:        rand.New(rand.NewSource(seed)),
		volatility: volatility,
		last:       make(map[string]float64),
	}
}

// Snapshot advances the walk one step for every symbol in the pool.
func (s *Synthetic) Snapshot(pool map[string]string) map[string]decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(pool))
	for sym := range pool {
		price, ok := s.last[sym]
		if !ok {
			price = basePrice(sym)
		}
		base := basePrice(sym)
		step := s.volatility * (s.rng.Float64()*2 - 1)
		reversion := 0.05 * (base - price) / base
		price *= 1 + step + reversion
		if price < base*0.01 {
			price = base * 0.01
		}
		s.last[sym] = price
		out[sym] = decimal.NewFromFloat(price).Round(8)
	}
	return out
}

// basePrice maps a symbol name to a stable price in [10, 1010).
func basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 10 + float64(h.Sum32()%100000)/100
}
