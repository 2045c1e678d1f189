package usecase

import (
	"log/slog"
	"sync"
	"time"

	"opsbridge/internal/domain"
)

// TaskStore keeps every live and recently finished task in memory, keyed by
// task id. Finished tasks stay queryable for status until the retention
// sweep removes them. Nothing is persisted across restarts.
type TaskStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	logger *slog.Logger
}

// NewTaskStore creates an empty task store.
func NewTaskStore(logger *slog.Logger) *TaskStore {
	if logger == nil {
		logger = discardLogger()
	}
	return &TaskStore{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// Add registers a task under its id.
func (s *TaskStore) Add(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID()]; exists {
		return domain.ErrDuplicate
	}
	s.tasks[t.ID()] = t
	return nil
}

// Get returns the task with the given id.
func (s *TaskStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t, nil
}

// Remove drops a task from the store.
func (s *TaskStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Count returns the number of stored tasks.
func (s *TaskStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// SweepFinished removes terminal tasks whose last update is older than
// maxAge and returns how many were removed. Live tasks are never touched.
func (s *TaskStore) SweepFinished(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	// Phase 1: collect candidates under the read lock so status queries
	// are not blocked while scanning.
	s.mu.RLock()
	var stale []string
	for id, t := range s.tasks {
		if t.Finished() && t.Snapshot().UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	// Phase 2: delete under the write lock, re-checking each candidate.
	s.mu.Lock()
	removed := 0
	for _, id := range stale {
		t, ok := s.tasks[id]
		if !ok || !t.Finished() {
			continue
		}
		delete(s.tasks, id)
		removed++
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("task retention sweep", "removed", removed, "max_age", maxAge.String())
	}
	return removed
}
