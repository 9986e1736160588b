package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used as a fallback when SQLite is
// unavailable and as a fast store in tests.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]*Task)}
}

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
func (s *MemStore) Create(t *Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	s.tasks[t.ID] = &cp
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *MemStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// Update saves changes to an existing task.
func (s *MemStore) Update(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

// Assign claims a task for an agent; the claim fails with ErrClaimed when the
// task is already assigned or no longer pending/queued.
func (s *MemStore) Assign(id, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.AssignedTo != "" || (t.Status != StatusPending && t.Status != StatusQueued) {
		return fmt.Errorf("task %s: %w", id, ErrClaimed)
	}
	now := time.Now().UTC()
	t.Status = StatusAssigned
	t.AssignedTo = agent
	t.PreferredAgent = ""
	t.AssignedAt = &now
	t.UpdatedAt = now
	return nil
}

// List returns tasks matching the filter.
func (s *MemStore) List(filter Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Task
	for _, t := range s.tasks {
		if len(filter.Statuses) > 0 && !statusIn(t.Status, filter.Statuses) {
			continue
		}
		if filter.AssignedTo != "" && t.AssignedTo != filter.AssignedTo {
			continue
		}
		if filter.ProjectID != "" && t.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Unowned && (t.ProjectID != "" || t.AssignedTo != "") {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !filter.ByCreation && result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// LiveIDs returns the ids of all queued, assigned, or in_progress tasks.
func (s *MemStore) LiveIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, t := range s.tasks {
		switch t.Status {
		case StatusQueued, StatusAssigned, StatusInProgress:
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Successor returns the workflow successor of the given task, or nil.
func (s *MemStore) Successor(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.NextTaskID == "" {
		return nil, nil
	}
	next, ok := s.tasks[t.NextTaskID]
	if !ok {
		return nil, nil
	}
	cp := *next
	return &cp, nil
}

// Delete removes a task by ID.
func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(s.tasks, id)
	return nil
}

func statusIn(s Status, set []Status) bool {
	for _, st := range set {
		if st == s {
			return true
		}
	}
	return false
}
