// Package store persists arena snapshots. Redis is the external durable
// target; a local-disk file is the fallback; in-memory backs tests. The
// gateway layers them so persistence failures stay soft: in-memory state
// remains authoritative until the next successful cycle.
package store

import (
	"context"
	"errors"

	"github.com/agentarena/arena-engine/internal/model"
)

// ErrNoSnapshot is returned by Load when a backend holds no snapshot.
var ErrNoSnapshot = errors.New("store: no snapshot")

// Store is one snapshot backend.
type Store interface {
	// Save writes the full snapshot, replacing any previous one.
	Save(ctx context.Context, snap *model.ArenaSnapshot) error

	// Load returns the most recent snapshot, or ErrNoSnapshot.
	Load(ctx context.Context) (*model.ArenaSnapshot, error)
}
