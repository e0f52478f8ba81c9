package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCheckpointNotFound is returned when a projection has no stored
// checkpoint yet; the engine then starts from position zero.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is the durable bookmark of a projection's progress through
// the global event log.
type Checkpoint struct {
	Projection string    `json:"projection"`
	Position   uint64    `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CheckpointStore persists checkpoints keyed by projection name.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, projection string) (Checkpoint, error)
	Delete(ctx context.Context, projection string) error
}

// InMemoryCheckpointStore is the default, process-local checkpoint store.
type InMemoryCheckpointStore struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{cps: map[string]Checkpoint{}}
}

func (s *InMemoryCheckpointStore) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.Projection] = cp
	return nil
}

func (s *InMemoryCheckpointStore) Load(_ context.Context, projection string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.cps[projection]
	if !ok {
		return Checkpoint{}, fmt.Errorf("projection %q: %w", projection, ErrCheckpointNotFound)
	}
	return cp, nil
}

func (s *InMemoryCheckpointStore) Delete(_ context.Context, projection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, projection)
	return nil
}

var _ CheckpointStore = (*InMemoryCheckpointStore)(nil)
