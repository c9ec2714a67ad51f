// Package shard partitions the agent population into independently-operated
// competition shards, each with its own matching engine, asset pool, and
// price subscription. All registry mutation funnels through the Manager; no
// component holds a shared agent→shard map of its own.
package shard

import (
	"github.com/agentarena/arena-engine/internal/engine"
)

// Shard is one partition: a matching engine bound to one immutable asset
// pool and one price feed subscription. Shard ids are monotonic and never
// reused. A shard is destroyed only once empty.
type Shard struct {
	ID        int64
	PoolName  string
	AssetPool map[string]string // symbol → reference identifier, immutable
	Engine    *engine.Engine

	// release tears down the shard's price subscription. Set by the
	// manager at creation; nil when no subscriber is wired.
	release func()
}

// Members returns the shard's member agent ids in registration order.
func (s *Shard) Members() []string { return s.Engine.Members() }

// Size returns the current member count.
func (s *Shard) Size() int { return s.Engine.Size() }
