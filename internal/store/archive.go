package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentarena/arena-engine/internal/model"
)

// FillArchive appends every committed fill to a Postgres table for the
// attribution collaborator. Monetary columns are NUMERIC for exact decimal
// precision. The archive is optional: when no database is configured the
// engine runs without it.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS fills (
//	    id              TEXT PRIMARY KEY,
//	    agent_id        TEXT NOT NULL,
//	    shard_id        BIGINT NOT NULL,
//	    symbol          TEXT NOT NULL,
//	    side            TEXT NOT NULL,
//	    amount          NUMERIC NOT NULL,
//	    quantity        NUMERIC NOT NULL,
//	    reference_price NUMERIC NOT NULL,
//	    fill_price      NUMERIC NOT NULL,
//	    tags            TEXT[] NOT NULL DEFAULT '{}',
//	    realized_pct    DOUBLE PRECISION,
//	    ts              TIMESTAMPTZ NOT NULL
//	);
type FillArchive struct {
	pool *pgxpool.Pool
}

// NewFillArchive creates a Postgres-backed fill archive.
func NewFillArchive(pool *pgxpool.Pool) *FillArchive {
	return &FillArchive{pool: pool}
}

// Insert appends one immutable fill record.
func (a *FillArchive) Insert(ctx context.Context, f model.Fill) error {
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO fills (id, agent_id, shard_id, symbol, side, amount, quantity,
		                    reference_price, fill_price, tags, realized_pct, ts)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		f.ID, f.AgentID, f.ShardID, f.Symbol, string(f.Side),
		f.Amount.String(), f.Quantity.String(),
		f.ReferencePrice.String(), f.FillPrice.String(),
		tags, f.RealizedPct, f.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert fill %s: %w", f.ID, err)
	}
	return nil
}

// Recent returns the newest fills, most recent first.
func (a *FillArchive) Recent(ctx context.Context, limit int) ([]model.Fill, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.pool.Query(ctx,
		`SELECT id, agent_id, shard_id, symbol, side,
		        amount::TEXT, quantity::TEXT, reference_price::TEXT, fill_price::TEXT,
		        tags, realized_pct, ts
		 FROM fills ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var side, amountS, qtyS, refS, fillS string
		if err := rows.Scan(&f.ID, &f.AgentID, &f.ShardID, &f.Symbol, &side,
			&amountS, &qtyS, &refS, &fillS,
			&f.Tags, &f.RealizedPct, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Side = model.Side(side)
		f.Amount, _ = decimal.NewFromString(amountS)
		f.Quantity, _ = decimal.NewFromString(qtyS)
		f.ReferencePrice, _ = decimal.NewFromString(refS)
		f.FillPrice, _ = decimal.NewFromString(fillS)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}
