package saga

import (
	"context"
	"fmt"
	"sync"
)

// Repository persists saga instances. Implementations must treat Save as
// an upsert keyed by instance id.
type Repository interface {
	Save(ctx context.Context, inst *Instance) error
	FindByID(ctx context.Context, id string) (*Instance, error)
	FindByCorrelationID(ctx context.Context, correlationID string) ([]*Instance, error)
	FindByStatus(ctx context.Context, statuses ...Status) ([]*Instance, error)
}

// InMemoryRepository is the default, process-local saga store.
type InMemoryRepository struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{instances: map[string]*Instance{}}
}

func (r *InMemoryRepository) Save(_ context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = inst.clone()
	return nil
}

func (r *InMemoryRepository) FindByID(_ context.Context, id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("saga %q: %w", id, ErrSagaNotFound)
	}
	return inst.clone(), nil
}

func (r *InMemoryRepository) FindByCorrelationID(_ context.Context, correlationID string) ([]*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Instance
	for _, inst := range r.instances {
		if inst.CorrelationID == correlationID {
			out = append(out, inst.clone())
		}
	}
	return out, nil
}

func (r *InMemoryRepository) FindByStatus(_ context.Context, statuses ...Status) ([]*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Instance
	for _, inst := range r.instances {
		for _, s := range statuses {
			if inst.Status == s {
				out = append(out, inst.clone())
				break
			}
		}
	}
	return out, nil
}

var _ Repository = (*InMemoryRepository)(nil)
