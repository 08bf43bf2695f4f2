// Package taskerr defines the error kinds shared by the task engine, the
// stores, the transports, and the orchestrator. Callers classify failures
// with errors.Is; the sentinels are wrapped with call-site detail.
package taskerr

import "errors"

var (
	// ErrInvalidTransition reports a state change outside the lifecycle
	// table. The task is left unchanged.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrTerminalImmutable reports a progress or output mutation attempted
	// on a task in a terminal status.
	ErrTerminalImmutable = errors.New("task is terminal and immutable")

	// ErrWorkflowCyclic reports a dependency cycle detected at workflow
	// creation. No tasks are created.
	ErrWorkflowCyclic = errors.New("workflow dependency graph is cyclic")

	// ErrWorkflowStuck reports a workflow whose remaining tasks can never
	// become ready. The workflow is marked failed.
	ErrWorkflowStuck = errors.New("workflow has unsatisfiable dependencies")

	// ErrTransportUnavailable reports a transport I/O failure. Transient;
	// callers may retry or resubscribe.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrStorageUnavailable reports a task store I/O failure.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTaskNotFound reports a mutation addressed to an unknown task id.
	// Lookups represent absence with a nil return instead.
	ErrTaskNotFound = errors.New("task not found")
)
