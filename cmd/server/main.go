package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/agentarena/arena-engine/internal/config"
	"github.com/agentarena/arena-engine/internal/epoch"
	"github.com/agentarena/arena-engine/internal/feed"
	"github.com/agentarena/arena-engine/internal/metrics"
	"github.com/agentarena/arena-engine/internal/model"
	"github.com/agentarena/arena-engine/internal/server"
	"github.com/agentarena/arena-engine/internal/shard"
	"github.com/agentarena/arena-engine/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("ARENA_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Fill archive (optional) ---
	var archive *store.FillArchive
	if dbURL := cfg.Persistence.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		archive = store.NewFillArchive(pool)
		slog.Info("fill archive enabled")
	}

	// --- Snapshot stores ---
	var primary store.Store
	if redisURL := cfg.Persistence.RedisURL; redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		primary = store.NewRedisStore(rdb, cfg.Persistence.SnapshotKey)
		slog.Info("redis snapshot store enabled", "key", cfg.Persistence.SnapshotKey)
	} else {
		slog.Warn("redis not configured, snapshots go to local disk only")
	}
	fallback := store.NewFileStore(cfg.Persistence.FilePath)

	// --- Price feed ---
	src := feed.NewSynthetic(cfg.Feed.Volatility, cfg.Feed.Seed)
	refresher := feed.NewRefresher(ctx, src, cfg.Feed.RefreshInterval)

	// --- WebSocket hub ---
	hub := server.NewHub()
	go hub.Run()

	// --- Shard manager ---
	var mgr *shard.Manager
	onFill := func(f model.Fill) {
		if archive != nil {
			// Called under the shard engine's lock; archive off that path.
			go func() {
				ictx, icancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer icancel()
				if err := archive.Insert(ictx, f); err != nil {
					slog.Warn("fill archive insert failed", "fill", f.ID, "err", err)
				}
			}()
		}
		hub.BroadcastAgents([]string{f.AgentID}, map[string]any{
			"type":       "fill",
			"fill_id":    f.ID,
			"symbol":     f.Symbol,
			"side":       f.Side,
			"fill_price": f.FillPrice.String(),
			"quantity":   f.Quantity.String(),
		})
	}
	mgr = shard.NewManager(shard.ManagerConfig{
		InitialBalance:   decimal.NewFromFloat(cfg.Engine.InitialBalance),
		Slippage:         decimal.NewFromFloat(cfg.Engine.Slippage),
		ReturnHistoryCap: cfg.Engine.ReturnHistoryCap,
		TradeHistoryCap:  cfg.Engine.TradeHistoryCap,
		BaseGroupSize:    cfg.Shard.BaseGroupSize,
		Thresholds:       cfg.Shard.Thresholds,
		Pools:            cfg.Shard.AssetPools,
		Subscriber:       refresher,
		OnFill:           onFill,
	})

	// --- Restore persisted state ---
	gateway := store.NewGateway(primary, fallback, mgr)
	epochState := gateway.Restore(ctx)

	// --- Epoch scheduler ---
	sched := epoch.New(epoch.Config{
		TradingWindow:       cfg.Epoch.TradingWindow,
		CouncilWindow:       cfg.Epoch.CouncilWindow,
		EliminationFraction: cfg.Epoch.EliminationFraction,
		RespawnEliminated:   cfg.Epoch.RespawnEliminated,
		Tiers:               cfg.Epoch.Tiers,
		OnPhase: func(phase epoch.Phase, ep int64) {
			metrics.EpochNumber.Set(float64(ep))
			metrics.ActiveShards.Set(float64(len(mgr.Shards())))
			metrics.ActiveAgents.Set(float64(mgr.Population()))
			hub.Broadcast(map[string]any{"type": "phase", "phase": phase, "epoch": ep})
		},
	}, mgr, gateway, epochState)
	go sched.Run(ctx)

	// --- Periodic persistence ---
	go func() {
		ticker := time.NewTicker(cfg.Persistence.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := gateway.Persist(ctx, sched.Snapshot()); err != nil {
					slog.Error("periodic persistence failed", "err", err)
				}
			}
		}
	}()

	// --- HTTP router ---
	svc := server.NewService(mgr, sched, server.NewGate(), hub, archive)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", svc.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", svc.Routes)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("arena-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down arena-engine...")
	cancel() // stops the scheduler, which makes a final persistence flush

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := gateway.Persist(flushCtx, sched.Snapshot()); err != nil {
		slog.Error("final persistence failed", "err", err)
	}
	fmt.Println("arena-engine stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
