package storage

import (
	"errors"
	"sync"

	"transcribe-client/pkg/models"
)

var ErrTaskNotFound = errors.New("task not found")

// History keeps snapshots of tasks that left the controller, so their results
// stay addressable after a new submission. Nothing is persisted.
type History interface {
	Save(task models.Task) error
	Get(id string) (models.Task, error)
	List() []models.Task
}

type memoryHistory struct {
	mu    sync.RWMutex
	tasks map[string]models.Task
	order []string
	limit int
}

// NewMemoryHistory keeps up to limit tasks, dropping the oldest first.
func NewMemoryHistory(limit int) History {
	if limit <= 0 {
		limit = 50
	}
	return &memoryHistory{
		tasks: make(map[string]models.Task),
		limit: limit,
	}
}

func (s *memoryHistory) Save(task models.Task) error {
	if task.ID == "" {
		return errors.New("cannot store a task without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task.Clone()

	for len(s.order) > s.limit {
		delete(s.tasks, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

func (s *memoryHistory) Get(id string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return models.Task{}, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// List returns the stored tasks, most recent first.
func (s *memoryHistory) List() []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Task, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.tasks[s.order[i]].Clone())
	}
	return out
}
