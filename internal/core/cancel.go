package core

import (
	"context"
	"sync"
)

// MemoryCancelRegistry is a CancelRegistry for a single process.
type MemoryCancelRegistry struct {
	mu        sync.Mutex
	requested map[string]struct{}
}

// NewMemoryCancelRegistry creates an empty registry.
func NewMemoryCancelRegistry() *MemoryCancelRegistry {
	return &MemoryCancelRegistry{requested: make(map[string]struct{})}
}

func (r *MemoryCancelRegistry) Request(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requested[id]; ok {
		return false, nil
	}
	r.requested[id] = struct{}{}
	return true, nil
}

func (r *MemoryCancelRegistry) Requested(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requested[id]
	return ok, nil
}

func (r *MemoryCancelRegistry) Clear(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requested, id)
	return nil
}
