// Package rank computes the risk-adjusted metrics and composite score used
// for cross-shard promotion, plus leaderboard merging. Inputs are per-epoch
// percentage returns; everything here is a statistic, so float64 is fine.
package rank

import (
	"math"
	"sort"

	"github.com/agentarena/arena-engine/internal/model"
)

// SortinoSentinel is returned instead of dividing by zero when an agent has
// no negative epochs at all.
const SortinoSentinel = 10.0

// Sharpe is mean(returns) / population-stdev(returns).
// Zero with fewer than two samples or zero deviation.
func Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	m := mean(returns)
	sd := stdev(returns, m)
	if sd == 0 {
		return 0
	}
	return m / sd
}

// Sortino is mean(returns) / population-stdev(negative returns only).
// With zero negative returns it reports the fixed sentinel rather than
// infinity.
func Sortino(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		return SortinoSentinel
	}
	sd := stdev(downside, mean(downside))
	if sd == 0 {
		return SortinoSentinel
	}
	return mean(returns) / sd
}

// MaxDrawdown derives a cumulative asset-value series from the return
// history and reports the deepest peak-to-trough drop as a negative
// percentage. Zero if the series never dips below its running peak.
func MaxDrawdown(returns []float64) float64 {
	value := 100.0
	peak := value
	worst := 0.0
	for _, r := range returns {
		value *= 1 + r/100
		if value > peak {
			peak = value
		}
		if peak > 0 {
			dd := (peak - value) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return -worst * 100
}

// Calmar is cumulative return over the absolute max drawdown; zero when the
// drawdown is zero.
func Calmar(cumulativeReturn, maxDrawdown float64) float64 {
	if maxDrawdown == 0 {
		return 0
	}
	return cumulativeReturn / math.Abs(maxDrawdown)
}

// WinRate is the percentage of strictly positive entries.
func WinRate(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	wins := 0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(returns)) * 100
}

// Score is the weighted composite used for promotion decisions.
type Score struct {
	CumulativeReturn float64 `json:"cumulative_return"`
	Sharpe           float64 `json:"sharpe"`
	Sortino          float64 `json:"sortino"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Calmar           float64 `json:"calmar"`
	WinRate          float64 `json:"win_rate"`
	Composite        float64 `json:"composite"`
}

// Compute derives the full score card from an agent's return history and
// cumulative return.
func Compute(returns []float64, cumulativeReturn float64) Score {
	s := Score{
		CumulativeReturn: cumulativeReturn,
		Sharpe:           Sharpe(returns),
		Sortino:          Sortino(returns),
		MaxDrawdown:      MaxDrawdown(returns),
		WinRate:          WinRate(returns),
	}
	s.Calmar = Calmar(cumulativeReturn, s.MaxDrawdown)
	s.Composite = 0.30*clip(cumulativeReturn, 0, 100) +
		0.30*clip(s.Sharpe*33.33, 0, 100) +
		0.20*clip(s.Sortino*25, 0, 100) +
		0.10*s.WinRate +
		0.10*clip(s.Calmar*20, 0, 100)
	return s
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdev is the population standard deviation.
func stdev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// Merge combines per-shard leaderboards into one global ranking, re-sorted
// by PnL percent descending. Input order is preserved on ties (stable), so
// callers should pass shards in ascending id order for determinism.
func Merge(boards ...[]model.LeaderboardEntry) []model.LeaderboardEntry {
	var merged []model.LeaderboardEntry
	for _, b := range boards {
		merged = append(merged, b...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].PnLPercent > merged[j].PnLPercent
	})
	return merged
}

// TagStats aggregates per-tag performance from the sells committed during
// one epoch. Only fills with a realized return contribute.
func TagStats(fills []model.Fill) []model.TagStat {
	type agg struct {
		trades int
		wins   int
		pnlSum float64
	}
	byTag := make(map[string]*agg)
	for _, f := range fills {
		if f.RealizedPct == nil {
			continue
		}
		for _, tag := range f.Tags {
			a, ok := byTag[tag]
			if !ok {
				a = &agg{}
				byTag[tag] = a
			}
			a.trades++
			if *f.RealizedPct > 0 {
				a.wins++
			}
			a.pnlSum += *f.RealizedPct
		}
	}

	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	stats := make([]model.TagStat, 0, len(tags))
	for _, tag := range tags {
		a := byTag[tag]
		stats = append(stats, model.TagStat{
			Tag:     tag,
			Trades:  a.trades,
			WinRate: float64(a.wins) / float64(a.trades) * 100,
			AvgPnL:  a.pnlSum / float64(a.trades),
		})
	}
	return stats
}
