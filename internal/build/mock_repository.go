package build

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store with the same error semantics as the
// gorm repository. The orchestrator, worker and api tests run against
// it; a single mutex stands in for row locking, so ErrLocked is never
// produced here.
type MockStore struct {
	mu     sync.RWMutex
	builds map[string]*Build
}

func NewMockStore() *MockStore {
	return &MockStore{builds: make(map[string]*Build)}
}

func (s *MockStore) Create(_ context.Context, b *Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.builds[b.ID]; exists {
		return fmt.Errorf("build %s already exists", b.ID)
	}
	cp := *b
	s.builds[b.ID] = &cp
	return nil
}

func (s *MockStore) GetByID(_ context.Context, id string) (*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, exists := s.builds[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MockStore) TransitionIf(_ context.Context, id string, expected Status, fields map[string]any) (*Build, error) {
	target, ok := fields["status"].(Status)
	if !ok {
		return nil, fmt.Errorf("transition for build %s: fields missing status", id)
	}
	if !CanTransition(expected, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.builds[id]
	if !exists {
		return nil, ErrNotFound
	}
	if b.Status != expected {
		return nil, ErrConflict
	}
	applyFields(b, fields)
	cp := *b
	return &cp, nil
}

func (s *MockStore) AssignIfPending(_ context.Context, id, workerID string, now time.Time) (*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.builds[id]
	if !exists {
		return nil, ErrNotFound
	}
	if b.Status != StatusPending {
		return nil, fmt.Errorf("%w: build %s is %s", ErrConflict, id, b.Status)
	}
	b.Status = StatusAssigned
	b.WorkerID = &workerID
	at := now
	b.AssignedAt = &at
	cp := *b
	return &cp, nil
}

func (s *MockStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.builds[id]
	if !exists || !IsActive(b.Status) {
		return nil
	}
	t := at
	b.LastHeartbeatAt = &t
	return nil
}

func (s *MockStore) ListStaleActive(_ context.Context, timeout time.Duration, now time.Time) ([]Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-timeout)
	var out []Build
	for _, b := range s.builds {
		if !IsActive(b.Status) {
			continue
		}
		last := b.AssignedAt
		if b.StartedAt != nil {
			last = b.StartedAt
		}
		if b.LastHeartbeatAt != nil {
			last = b.LastHeartbeatAt
		}
		if last != nil && last.Before(cutoff) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *MockStore) ListPending(_ context.Context) ([]Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Build
	for _, b := range s.builds {
		if b.Status == StatusPending {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *MockStore) ListActiveByWorker(_ context.Context, workerID string) ([]Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Build
	for _, b := range s.builds {
		if IsActive(b.Status) && b.OwnedBy(workerID) {
			out = append(out, *b)
		}
	}
	return out, nil
}

// Delete removes a row outright. Tests use it to simulate the
// should-never-happen vanished-row path.
func (s *MockStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.builds, id)
}

func applyFields(b *Build, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "status":
			b.Status = v.(Status)
		case "worker_id":
			if v == nil {
				b.WorkerID = nil
			} else {
				id := v.(string)
				b.WorkerID = &id
			}
		case "assigned_at":
			t := v.(time.Time)
			b.AssignedAt = &t
		case "started_at":
			if v == nil {
				b.StartedAt = nil
			} else {
				t := v.(time.Time)
				b.StartedAt = &t
			}
		case "completed_at":
			t := v.(time.Time)
			b.CompletedAt = &t
		case "last_heartbeat_at":
			if v == nil {
				b.LastHeartbeatAt = nil
			} else {
				t := v.(time.Time)
				b.LastHeartbeatAt = &t
			}
		case "error_message":
			b.ErrorMessage = v.(string)
		case "result_ref":
			b.ResultRef = v.(string)
		case "retry_count":
			b.RetryCount = v.(int)
		}
	}
}
