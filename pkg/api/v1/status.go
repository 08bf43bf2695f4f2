package v1

// TaskStatus represents the lifecycle state of a task. The string values are
// part of the wire protocol and the CLI surface and must not change.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusPlanning  TaskStatus = "planning"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusWaiting   TaskStatus = "waiting"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// transitions is the allowed state machine. Terminal states have no entries.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusPlanning, TaskStatusCancelled},
	TaskStatusPlanning: {TaskStatusRunning, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusRunning:  {TaskStatusWaiting, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusWaiting:  {TaskStatusRunning, TaskStatusFailed, TaskStatusCancelled},
}

// AllTaskStatuses lists every valid status in lifecycle order.
func AllTaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusPending,
		TaskStatusPlanning,
		TaskStatusRunning,
		TaskStatusWaiting,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
	}
}

// IsValid reports whether s is one of the seven task statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusPlanning, TaskStatusRunning, TaskStatusWaiting,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal status. Terminal tasks are
// immutable except for deletion from the store.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
