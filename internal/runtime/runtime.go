// Package runtime defines the transport contract between devflow and an
// execution backend, and the facade that fronts one transport for the rest
// of the system. The local adapter executes tasks in-process; the remote
// adapter speaks the wire protocol in pkg/api/v1 to an execution node.
package runtime

import (
	"context"

	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// TaskRequest describes a task submitted for execution.
type TaskRequest struct {
	AgentType string
	Prompt    string
	Context   map[string]string
	SessionID string
}

// TaskState is a transport-level view of one task. Error carries the task's
// own failure message; Err is set only on the final element of a stream when
// the transport itself failed, so callers can resubscribe.
type TaskState struct {
	ID       string
	Status   v1.TaskStatus
	Output   string
	Error    string
	Progress *int
	Err      error
}

// Terminal reports whether the state's status is terminal.
func (s TaskState) Terminal() bool {
	return s.Status.IsTerminal()
}

// AgentInfo describes an agent role available for task submission.
type AgentInfo struct {
	ID           string
	Name         string
	Description  string
	Capabilities []string
}

// SkillInfo describes an executable skill.
type SkillInfo struct {
	ID          string
	Name        string
	Description string
	Dangerous   bool
}

// Transport executes tasks somewhere. SubmitTask returns the task in
// pending before any execution happens; execution is asynchronous and
// observed through StreamTaskUpdates or QueryTaskState.
type Transport interface {
	// SubmitTask hands a task to the backend and returns its initial state.
	SubmitTask(ctx context.Context, req TaskRequest) (*TaskState, error)

	// StreamTaskUpdates yields task states until the task reaches a terminal
	// status, then closes the channel.
	StreamTaskUpdates(ctx context.Context, taskID string) (<-chan TaskState, error)

	// QueryTaskState returns the current state, or nil for an unknown task.
	QueryTaskState(ctx context.Context, taskID string) (*TaskState, error)

	// CancelTask requests cooperative cancellation and reports whether the
	// backend accepted it.
	CancelTask(ctx context.Context, taskID string) (bool, error)

	// ListAgents returns the agent roles the backend can run.
	ListAgents(ctx context.Context) ([]AgentInfo, error)

	// ListSkills returns the skills the backend exposes.
	ListSkills(ctx context.Context) ([]SkillInfo, error)

	// Close releases transport resources. It does not cancel running tasks.
	Close() error
}

// ActiveLister is implemented by transports that can count their running
// tasks locally. The facade probes it for status reporting.
type ActiveLister interface {
	ActiveTasks(ctx context.Context) int
}

// SpawnRequest asks a collaborating runtime to start a subagent. Model and
// Thinking are optional overrides; the agent role supplies defaults.
type SpawnRequest struct {
	Task     string
	Label    string
	AgentID  string
	Model    string
	Thinking string
	Context  map[string]string
}

// SpawnStatus is the collaborator's verdict on a spawn request.
type SpawnStatus string

const (
	SpawnAccepted SpawnStatus = "accepted"
	SpawnRejected SpawnStatus = "rejected"
)

// SpawnResult is the outcome of a spawn request. A rejected spawn carries
// the reason in Error; ChildSessionKey identifies the subagent's session
// when accepted.
type SpawnResult struct {
	Status          SpawnStatus
	ChildSessionKey string
	Output          string
	Error           string
}

// Spawner starts subagent executions on behalf of the local adapter and the
// orchestrator. Implementations must be safe for concurrent and re-entrant
// use: a spawned agent may itself spawn.
type Spawner interface {
	SpawnSubagent(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
}
