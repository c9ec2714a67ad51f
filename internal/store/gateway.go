package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentarena/arena-engine/internal/metrics"
	"github.com/agentarena/arena-engine/internal/model"
	"github.com/agentarena/arena-engine/internal/shard"
)

// Gateway is the persistence façade: it exports the full arena state through
// the shard manager (read-only), writes it to the external store with a
// local-disk fallback, and restores at startup. Primary failures are soft —
// they are logged, the fallback still gets the snapshot, and in-memory state
// stays authoritative.
type Gateway struct {
	primary  Store // optional external store
	fallback Store
	mgr      *shard.Manager
}

// NewGateway wires the gateway. primary may be nil when no external store is
// configured; fallback must not be.
func NewGateway(primary, fallback Store, mgr *shard.Manager) *Gateway {
	return &Gateway{primary: primary, fallback: fallback, mgr: mgr}
}

// Persist exports every shard and the epoch state and writes the snapshot to
// both backends. It returns an error only when no backend accepted the
// snapshot.
func (g *Gateway) Persist(ctx context.Context, epoch model.EpochSnapshot) error {
	snap := &model.ArenaSnapshot{
		SavedAt: time.Now().UTC(),
		Epoch:   epoch,
		Shards:  g.mgr.Export(),
	}

	saved := false
	if g.primary != nil {
		if err := g.primary.Save(ctx, snap); err != nil {
			metrics.SnapshotFailures.WithLabelValues("primary").Inc()
			slog.Warn("primary snapshot save failed", "err", err)
		} else {
			saved = true
		}
	}
	if err := g.fallback.Save(ctx, snap); err != nil {
		metrics.SnapshotFailures.WithLabelValues("fallback").Inc()
		slog.Warn("fallback snapshot save failed", "err", err)
	} else {
		saved = true
	}

	if !saved {
		return fmt.Errorf("snapshot not persisted to any backend")
	}
	slog.Info("snapshot persisted",
		"epoch", epoch.Epoch,
		"shards", len(snap.Shards),
	)
	return nil
}

// Restore loads the most recent snapshot — external store first, local disk
// second — and rebuilds the shard registry from it. With no snapshot
// anywhere (or a corrupt one) it returns a fresh epoch-1 state rather than
// failing: restart must never be fatal.
func (g *Gateway) Restore(ctx context.Context) model.EpochSnapshot {
	snap, err := g.load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			slog.Warn("snapshot restore failed, starting fresh", "err", err)
		}
		return freshEpoch()
	}

	if err := g.mgr.Restore(snap.Shards); err != nil {
		slog.Error("shard restore failed, starting fresh", "err", err)
		return freshEpoch()
	}

	slog.Info("state restored",
		"epoch", snap.Epoch.Epoch,
		"shards", len(snap.Shards),
		"saved_at", snap.SavedAt,
	)
	if snap.Epoch.Epoch < 1 {
		snap.Epoch.Epoch = 1
	}
	if snap.Epoch.Records == nil {
		snap.Epoch.Records = make(map[string]*model.AgentRecord)
	}
	if snap.Epoch.Promoted == nil {
		snap.Epoch.Promoted = make(map[string][]string)
	}
	return snap.Epoch
}

func (g *Gateway) load(ctx context.Context) (*model.ArenaSnapshot, error) {
	if g.primary != nil {
		snap, err := g.primary.Load(ctx)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrNoSnapshot) {
			slog.Warn("primary snapshot load failed, trying fallback", "err", err)
		}
	}
	return g.fallback.Load(ctx)
}

func freshEpoch() model.EpochSnapshot {
	return model.EpochSnapshot{
		Epoch:    1,
		Records:  make(map[string]*model.AgentRecord),
		Promoted: make(map[string][]string),
	}
}
