// Package orchestrator lowers developer-intent workflows into task DAGs and
// drives them to completion. A workflow is a list of role-tagged steps whose
// dependencies are resolved by description; the execution loop dispatches
// every ready task in parallel and waits for the wave before recomputing
// readiness. Task state lives in the engine; the orchestrator owns only the
// graph and the workflow status.
package orchestrator

import (
	"sort"
	"time"

	"github.com/devflow/devflow/internal/task/models"
)

// Step is one unit of a workflow request. DependsOn names other steps by
// their exact description.
type Step struct {
	Role        string   `json:"role"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// WorkflowStatus is the aggregate lifecycle of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the workflow has finished.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// Workflow is a read snapshot handed to callers. Tasks are fresh engine
// copies; Prereqs and Dependents expose the graph in both directions so
// callers can answer dispatch and impact questions.
type Workflow struct {
	ID         string                  `json:"id"`
	Status     WorkflowStatus          `json:"status"`
	CreatedAt  time.Time               `json:"created_at"`
	Order      []string                `json:"order"`
	Tasks      map[string]*models.Task `json:"tasks"`
	Prereqs    map[string][]string     `json:"prereqs"`
	Dependents map[string][]string     `json:"dependents"`
}

// workflowState is the orchestrator's mutable record of one workflow. The
// graph maps are immutable after creation; status is guarded by the
// orchestrator mutex.
type workflowState struct {
	id         string
	status     WorkflowStatus
	createdAt  time.Time
	order      []string
	prereqs    map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// hasCycle runs Kahn's algorithm over the step-index graph. It operates on
// indices so cyclic requests can be rejected before any task record exists.
func hasCycle(prereqs []map[int]struct{}) bool {
	n := len(prereqs)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, set := range prereqs {
		indegree[i] = len(set)
		for j := range set {
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := make([]int, 0, n)
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, k := range dependents[i] {
			indegree[k]--
			if indegree[k] == 0 {
				queue = append(queue, k)
			}
		}
	}
	return visited != n
}

// matchStep resolves a dependency name to the first other step with that
// exact description.
func matchStep(steps []Step, self int, name string) (int, bool) {
	for j, step := range steps {
		if j == self {
			continue
		}
		if step.Description == name {
			return j, true
		}
	}
	return 0, false
}
