// Package models defines the task record and its event journal.
package models

import (
	"time"

	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// Task is the unit of work tracked by the lifecycle state machine.
//
// Field invariants: StartedAt is set on first entry to planning or running
// and never overwritten; CompletedAt is set exactly when the status becomes
// terminal; Error is set exactly when the status is failed; Progress, when
// present, is within [0,100].
type Task struct {
	ID          string         `json:"id" db:"id"`
	Status      v1.TaskStatus  `json:"status" db:"status"`
	Description string         `json:"description" db:"description"`
	AgentRole   string         `json:"agent_role,omitempty" db:"agent_role"`
	SessionID   string         `json:"session_id,omitempty" db:"session_id"`
	ParentID    string         `json:"parent_id,omitempty" db:"parent_id"`
	Output      string         `json:"output,omitempty" db:"output"`
	Error       string         `json:"error,omitempty" db:"error"`
	Progress    *int           `json:"progress,omitempty" db:"progress"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal reports whether the task has reached a terminal status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Clone returns a deep copy of the task. Stores hand out clones so callers
// can never mutate stored state through a read.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Progress != nil {
		p := *t.Progress
		clone.Progress = &p
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		clone.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		clone.CompletedAt = &ts
	}
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// EventKind classifies journal entries.
type EventKind string

const (
	EventCreated         EventKind = "created"
	EventStatusChanged   EventKind = "status_changed"
	EventProgressUpdated EventKind = "progress_updated"
	EventOutputAdded     EventKind = "output_added"
	EventErrorSet        EventKind = "error_set"
)

// TaskEvent is one append-only journal record. For any task the journal is
// totally ordered and begins with a created event.
type TaskEvent struct {
	ID        string         `json:"id" db:"id"`
	TaskID    string         `json:"task_id" db:"task_id"`
	Kind      EventKind      `json:"kind" db:"kind"`
	OldStatus *v1.TaskStatus `json:"old_status,omitempty" db:"old_status"`
	NewStatus *v1.TaskStatus `json:"new_status,omitempty" db:"new_status"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
}

// Clone returns a deep copy of the event.
func (e *TaskEvent) Clone() *TaskEvent {
	if e == nil {
		return nil
	}
	clone := *e
	if e.OldStatus != nil {
		s := *e.OldStatus
		clone.OldStatus = &s
	}
	if e.NewStatus != nil {
		s := *e.NewStatus
		clone.NewStatus = &s
	}
	if e.Data != nil {
		clone.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			clone.Data[k] = v
		}
	}
	return &clone
}

// Filter narrows List results. Both fields set means both must match.
type Filter struct {
	Status    *v1.TaskStatus
	SessionID *string
}

// Matches reports whether the task satisfies the filter.
func (f Filter) Matches(t *Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.SessionID != nil && t.SessionID != *f.SessionID {
		return false
	}
	return true
}
