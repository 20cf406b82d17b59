package worker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockRegistry is an in-memory Registry for tests.
type MockRegistry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{workers: make(map[string]*Worker)}
}

func (r *MockRegistry) Create(_ context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.ID]; exists {
		return fmt.Errorf("worker %s already exists", w.ID)
	}
	cp := *w
	r.workers[w.ID] = &cp
	return nil
}

func (r *MockRegistry) GetByID(_ context.Context, id string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *MockRegistry) RefreshRegistration(_ context.Context, id, name string, capabilities []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return ErrNotFound
	}
	w.Name = name
	w.Capabilities = append(w.Capabilities[:0:0], capabilities...)
	w.LastSeenAt = at
	return nil
}

func (r *MockRegistry) UpdateLiveness(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return ErrNotFound
	}
	w.LastSeenAt = at
	return nil
}

func (r *MockRegistry) SetStatus(_ context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return ErrNotFound
	}
	w.Status = status
	return nil
}

func (r *MockRegistry) ListStale(_ context.Context, cutoff time.Time) ([]Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Worker
	for _, w := range r.workers {
		if w.Status != StatusOffline && w.LastSeenAt.Before(cutoff) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (r *MockRegistry) IncrementCounter(_ context.Context, id string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return ErrNotFound
	}
	if success {
		w.BuildsCompleted++
	} else {
		w.BuildsFailed++
	}
	return nil
}
