// Package config loads the arena engine configuration from a YAML file with
// environment overrides (ARENA_ prefix). Defaults are applied before
// validation so a missing file still yields a runnable development setup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Threshold maps a total-population floor to the shard target size used once
// the population reaches it. Thresholds are evaluated in ascending order.
type Threshold struct {
	Population int `mapstructure:"population"`
	GroupSize  int `mapstructure:"group_size"`
}

// AssetPool is one named set of tradable symbols. Pools are handed to new
// shards in round-robin order.
type AssetPool struct {
	Name   string            `mapstructure:"name"`
	Assets map[string]string `mapstructure:"assets"` // symbol → reference identifier
}

// Config is the full runtime configuration.
type Config struct {
	Server      Server      `mapstructure:"server"`
	Log         Log         `mapstructure:"log"`
	Engine      Engine      `mapstructure:"engine"`
	Shard       Shard       `mapstructure:"shard"`
	Epoch       Epoch       `mapstructure:"epoch"`
	Feed        Feed        `mapstructure:"feed"`
	Persistence Persistence `mapstructure:"persistence"`
}

type Server struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Engine struct {
	InitialBalance   float64 `mapstructure:"initial_balance"`
	Slippage         float64 `mapstructure:"slippage"`
	ReturnHistoryCap int     `mapstructure:"return_history_cap"`
	TradeHistoryCap  int     `mapstructure:"trade_history_cap"`
}

type Shard struct {
	BaseGroupSize int         `mapstructure:"base_group_size"`
	Thresholds    []Threshold `mapstructure:"thresholds"`
	AssetPools    []AssetPool `mapstructure:"asset_pools"`
}

// Tier holds the promotion thresholds for one tier.
type Tier struct {
	Name           string  `mapstructure:"name"`
	MinScore       float64 `mapstructure:"min_score"`
	MinStreak      int     `mapstructure:"min_streak"`
	MinPositive    int     `mapstructure:"min_positive_epochs"`
	MinCumReturn   float64 `mapstructure:"min_cumulative_return"`
}

type Epoch struct {
	TradingWindow       time.Duration `mapstructure:"trading_window"`
	CouncilWindow       time.Duration `mapstructure:"council_window"`
	EliminationFraction float64       `mapstructure:"elimination_fraction"`
	RespawnEliminated   bool          `mapstructure:"respawn_eliminated"`
	Tiers               []Tier        `mapstructure:"tiers"`
}

type Feed struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Volatility      float64       `mapstructure:"volatility"`
	Seed            int64         `mapstructure:"seed"` // 0 → time-seeded
}

type Persistence struct {
	Interval    time.Duration `mapstructure:"interval"`
	RedisURL    string        `mapstructure:"redis_url"`
	SnapshotKey string        `mapstructure:"snapshot_key"`
	FilePath    string        `mapstructure:"file_path"`
	DatabaseURL string        `mapstructure:"database_url"` // fill archive, optional
}

// Load reads the configuration at path. An empty path or a missing file is
// not an error: defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	if len(cfg.Shard.AssetPools) == 0 {
		cfg.Shard.AssetPools = defaultPools()
	}
	if len(cfg.Epoch.Tiers) == 0 {
		cfg.Epoch.Tiers = defaultTiers()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("log.level", "info")

	v.SetDefault("engine.initial_balance", 10000.0)
	v.SetDefault("engine.slippage", 0.002)
	v.SetDefault("engine.return_history_cap", 50)
	v.SetDefault("engine.trade_history_cap", 500)

	v.SetDefault("shard.base_group_size", 10)
	v.SetDefault("shard.thresholds", []map[string]any{
		{"population": 100, "group_size": 10},
		{"population": 500, "group_size": 20},
	})

	v.SetDefault("epoch.trading_window", "15m")
	v.SetDefault("epoch.council_window", "3m")
	v.SetDefault("epoch.elimination_fraction", 0.2)
	v.SetDefault("epoch.respawn_eliminated", true)

	v.SetDefault("feed.refresh_interval", "2s")
	v.SetDefault("feed.volatility", 0.01)
	v.SetDefault("feed.seed", 0)

	v.SetDefault("persistence.interval", "5m")
	v.SetDefault("persistence.snapshot_key", "arena:snapshot")
	v.SetDefault("persistence.file_path", "data/snapshot.json")
}

func defaultPools() []AssetPool {
	return []AssetPool{
		{Name: "majors", Assets: map[string]string{
			"BTC": "binance:BTCUSDT",
			"ETH": "binance:ETHUSDT",
			"SOL": "binance:SOLUSDT",
		}},
		{Name: "alts", Assets: map[string]string{
			"AVAX": "binance:AVAXUSDT",
			"LINK": "binance:LINKUSDT",
			"DOGE": "binance:DOGEUSDT",
		}},
	}
}

func defaultTiers() []Tier {
	return []Tier{
		{Name: "gold", MinScore: 60, MinStreak: 2, MinPositive: 3, MinCumReturn: 10},
		{Name: "platinum", MinScore: 80, MinStreak: 3, MinPositive: 5, MinCumReturn: 25},
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.InitialBalance <= 0 {
		return fmt.Errorf("engine.initial_balance must be positive")
	}
	if cfg.Engine.Slippage < 0 || cfg.Engine.Slippage >= 1 {
		return fmt.Errorf("engine.slippage must be in [0, 1)")
	}
	if cfg.Epoch.EliminationFraction < 0 || cfg.Epoch.EliminationFraction > 1 {
		return fmt.Errorf("epoch.elimination_fraction must be in [0, 1]")
	}
	if cfg.Shard.BaseGroupSize < 1 {
		return fmt.Errorf("shard.base_group_size must be at least 1")
	}
	for i, th := range cfg.Shard.Thresholds {
		if th.GroupSize < 1 {
			return fmt.Errorf("shard.thresholds[%d].group_size must be at least 1", i)
		}
		if i > 0 && th.Population <= cfg.Shard.Thresholds[i-1].Population {
			return fmt.Errorf("shard.thresholds must be in ascending population order")
		}
	}
	for i, pool := range cfg.Shard.AssetPools {
		if len(pool.Assets) == 0 {
			return fmt.Errorf("shard.asset_pools[%d] has no assets", i)
		}
	}
	return nil
}
