// Package store persists task records and their event journals.
//
// The default implementation is in-memory; a SQL implementation backed by
// SQLite or PostgreSQL satisfies the same contract. All reads return deep
// copies, so a caller mutating a result never mutates stored state.
package store

import (
	"context"

	"github.com/devflow/devflow/internal/task/models"
)

// Store is the persistence contract for tasks and their journals.
//
// Load returns (nil, nil) for a missing id; absence is not an error. I/O
// failures wrap taskerr.ErrStorageUnavailable and a failed Save is never
// partially observable.
type Store interface {
	// Save stores the task as a whole-record replacement keyed by id.
	Save(ctx context.Context, task *models.Task) error

	// Load returns a copy of the task, or nil if the id is unknown.
	Load(ctx context.Context, id string) (*models.Task, error)

	// List returns copies of every task matching the filter, ordered by
	// creation time.
	List(ctx context.Context, filter models.Filter) ([]*models.Task, error)

	// Delete removes the task record and its event journal atomically.
	// Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error

	// SaveEvent appends one journal record.
	SaveEvent(ctx context.Context, event *models.TaskEvent) error

	// GetEvents returns the task's journal in insertion order.
	GetEvents(ctx context.Context, taskID string) ([]*models.TaskEvent, error)

	// Close releases any resources held by the store.
	Close() error
}
