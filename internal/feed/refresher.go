package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentarena/arena-engine/internal/shard"
)

// Refresher runs one price-update loop per shard. It implements
// shard.PriceSubscriber: the manager subscribes each new shard at creation
// and invokes the returned release on teardown. All loops stop when the
// root context is cancelled.
type Refresher struct {
	ctx      context.Context
	src      Source
	interval time.Duration
}

// NewRefresher creates a refresher bound to the process lifetime context.
func NewRefresher(ctx context.Context, src Source, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Refresher{ctx: ctx, src: src, interval: interval}
}

// Subscribe starts the shard's price loop. The first snapshot is pushed
// immediately so the shard is tradable before the first tick.
func (r *Refresher) Subscribe(s *shard.Shard) func() {
	ctx, cancel := context.WithCancel(r.ctx)

	s.Engine.UpdatePrices(r.src.Snapshot(s.AssetPool))

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Debug("price subscription released", "shard", s.ID)
				return
			case <-ticker.C:
				s.Engine.UpdatePrices(r.src.Snapshot(s.AssetPool))
			}
		}
	}()

	return cancel
}
