package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10000.0, cfg.Engine.InitialBalance)
	assert.Equal(t, 0.002, cfg.Engine.Slippage)
	assert.Equal(t, 15*time.Minute, cfg.Epoch.TradingWindow)
	assert.Equal(t, 0.2, cfg.Epoch.EliminationFraction)
	assert.True(t, cfg.Epoch.RespawnEliminated)

	require.Len(t, cfg.Shard.Thresholds, 2)
	assert.Equal(t, 100, cfg.Shard.Thresholds[0].Population)
	assert.Equal(t, 20, cfg.Shard.Thresholds[1].GroupSize)

	require.Len(t, cfg.Shard.AssetPools, 2)
	assert.Equal(t, "majors", cfg.Shard.AssetPools[0].Name)
	require.Len(t, cfg.Epoch.Tiers, 2)
	assert.Equal(t, "gold", cfg.Epoch.Tiers[0].Name)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	body := []byte(`
engine:
  initial_balance: 5000
  slippage: 0.01
epoch:
  trading_window: 1m
  elimination_fraction: 0.5
shard:
  base_group_size: 4
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5000.0, cfg.Engine.InitialBalance)
	assert.Equal(t, 0.01, cfg.Engine.Slippage)
	assert.Equal(t, time.Minute, cfg.Epoch.TradingWindow)
	assert.Equal(t, 0.5, cfg.Epoch.EliminationFraction)
	assert.Equal(t, 4, cfg.Shard.BaseGroupSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ARENA_ENGINE_SLIPPAGE", "0.05")
	t.Setenv("ARENA_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.05, cfg.Engine.Slippage)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Engine.InitialBalance = 0
	assert.Error(t, validate(cfg))

	cfg = base()
	cfg.Engine.Slippage = 1.5
	assert.Error(t, validate(cfg))

	cfg = base()
	cfg.Epoch.EliminationFraction = -0.1
	assert.Error(t, validate(cfg))

	cfg = base()
	cfg.Shard.Thresholds = []Threshold{
		{Population: 500, GroupSize: 20},
		{Population: 100, GroupSize: 10},
	}
	assert.Error(t, validate(cfg), "thresholds out of order")

	cfg = base()
	cfg.Shard.AssetPools = []AssetPool{{Name: "empty"}}
	assert.Error(t, validate(cfg))
}
