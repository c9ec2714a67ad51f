package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentarena/arena-engine/internal/model"
)

// MemoryStore implements Store in memory. Used for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte

	// FailSaves makes every Save return an error, for fallback tests.
	FailSaves bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, snap *model.ArenaSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves {
		return errFail
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (*model.ArenaSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrNoSnapshot
	}
	var snap model.ArenaSnapshot
	if err := json.Unmarshal(s.data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

var errFail = &failError{}

type failError struct{}

func (*failError) Error() string { return "store: save disabled" }
