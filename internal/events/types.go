// Package events defines the event subjects published on the devflow bus.
package events

// Event types for task lifecycle
const (
	TaskCreated         = "task.created"
	TaskStatusChanged   = "task.status_changed"
	TaskProgressUpdated = "task.progress_updated"
	TaskOutputAdded     = "task.output_added"
	TaskErrorSet        = "task.error_set"
	TaskDeleted         = "task.deleted"
)

// Event types for workflow lifecycle
const (
	WorkflowCreated   = "workflow.created"
	WorkflowStarted   = "workflow.started"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	WorkflowCancelled = "workflow.cancelled"
)

// BuildTaskSubject creates a task event subject scoped to one task.
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// BuildTaskWildcardSubject subscribes to every event of one type regardless
// of task.
func BuildTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildWorkflowSubject creates a workflow event subject scoped to one
// workflow.
func BuildWorkflowSubject(eventType, workflowID string) string {
	return eventType + "." + workflowID
}

// AllTaskEventsSubject matches every task event for every task.
const AllTaskEventsSubject = "task.>"

// AllWorkflowEventsSubject matches every workflow event.
const AllWorkflowEventsSubject = "workflow.>"
