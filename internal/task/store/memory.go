package store

import (
	"context"
	"sort"
	"sync"

	"github.com/devflow/devflow/internal/task/models"
)

// Memory provides in-memory task storage. It is the default store for CLI
// and test use.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]*models.Task
	events map[string][]*models.TaskEvent
}

// Ensure Memory implements the Store interface
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:  make(map[string]*models.Task),
		events: make(map[string][]*models.TaskEvent),
	}
}

// Save stores a copy of the task keyed by id.
func (m *Memory) Save(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

// Load returns a copy of the task, or nil if the id is unknown.
func (m *Memory) Load(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return task.Clone(), nil
}

// List returns copies of every task matching the filter, ordered by creation
// time with id as a tiebreaker.
func (m *Memory) List(ctx context.Context, filter models.Filter) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if filter.Matches(task) {
			result = append(result, task.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Delete removes the task record and its journal atomically.
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	delete(m.events, id)
	return nil
}

// SaveEvent appends one journal record.
func (m *Memory) SaveEvent(ctx context.Context, event *models.TaskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.TaskID] = append(m.events[event.TaskID], event.Clone())
	return nil
}

// GetEvents returns the task's journal in insertion order.
func (m *Memory) GetEvents(ctx context.Context, taskID string) ([]*models.TaskEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.events[taskID]
	result := make([]*models.TaskEvent, 0, len(stored))
	for _, event := range stored {
		result = append(result, event.Clone())
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
