package epoch

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/agentarena/arena-engine/internal/model"
)

// Report is the per-shard epoch hand-off to the external evolution and
// attribution collaborators. The core never rewrites an agent's strategy;
// it only reports who won, who was eliminated, and how each tag performed.
type Report struct {
	Epoch      int64           `json:"epoch"`
	ShardID    int64           `json:"shard_id"`
	WinnerID   string          `json:"winner_id"`
	Eliminated []string        `json:"eliminated"`
	TagStats   []model.TagStat `json:"tag_stats"`
}

// CouncilBrief is handed to the council collaborator when its window opens:
// the frozen epoch number, each shard's price snapshot, and recent fills
// stripped of their free-form rationale tags.
type CouncilBrief struct {
	Epoch       int64                                `json:"epoch"`
	ShardPrices map[int64]map[string]decimal.Decimal `json:"shard_prices"`
	RecentFills []model.Fill                         `json:"recent_fills"`
}

// EvolutionSink receives the end-of-epoch reports.
type EvolutionSink interface {
	EpochEnded(ctx context.Context, report Report)
}

// CouncilNotifier is invoked when the council window opens.
type CouncilNotifier interface {
	CouncilWindow(ctx context.Context, brief CouncilBrief)
}

// ChainSink receives promotion events. The core does not touch any chain
// state itself.
type ChainSink interface {
	Promoted(ctx context.Context, event model.PromotionEvent)
}

// LogSink is the default collaborator wiring: it logs every hand-off and
// does nothing else. Real collaborators replace it in main.
type LogSink struct{}

func (LogSink) EpochEnded(_ context.Context, report Report) {
	slog.Info("epoch report",
		"epoch", report.Epoch,
		"shard", report.ShardID,
		"winner", report.WinnerID,
		"eliminated", len(report.Eliminated),
	)
}

func (LogSink) CouncilWindow(_ context.Context, brief CouncilBrief) {
	slog.Info("council window open", "epoch", brief.Epoch, "shards", len(brief.ShardPrices))
}

func (LogSink) Promoted(_ context.Context, event model.PromotionEvent) {
	slog.Info("agent promoted", "agent", event.AgentID, "tier", event.Tier, "epoch", event.Epoch)
}
