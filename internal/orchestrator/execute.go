package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/task/models"
	"github.com/devflow/devflow/internal/task/taskerr"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// outputSeparator sits between the task description and each completed
// prerequisite's output in the assembled collaborator input.
const outputSeparator = "\n\n---\n\n"

// ExecuteWorkflow runs the dispatch loop until every task is terminal. Each
// iteration dispatches all ready tasks in parallel and waits for the wave. A
// workflow whose remaining tasks can never become ready is marked failed with
// taskerr.ErrWorkflowStuck. Collaborator failures stay on their task;
// only infrastructure errors propagate to the caller.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, id string) error {
	o.mu.Lock()
	wf, ok := o.workflows[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("workflow %s not found", id)
	}
	if wf.status.IsTerminal() {
		status := wf.status
		o.mu.Unlock()
		o.logger.Debug("Workflow already terminal",
			zap.String("workflow_id", id),
			zap.String("status", string(status)))
		return nil
	}
	wf.status = WorkflowRunning
	o.mu.Unlock()

	start := o.clock()
	o.metrics.IncActiveWorkflows()
	o.publish(ctx, events.WorkflowStarted, id, nil)
	o.logger.Info("Workflow execution started",
		zap.String("workflow_id", id),
		zap.Int("tasks", len(wf.order)))

	final, err := o.runLoop(ctx, wf)

	o.mu.Lock()
	cancelled := wf.status == WorkflowCancelled
	if !cancelled {
		wf.status = final
	} else {
		final = WorkflowCancelled
	}
	o.mu.Unlock()

	o.metrics.DecActiveWorkflows()
	o.metrics.ObserveWorkflowDuration(string(final), o.clock().Sub(start))
	if !cancelled {
		o.publish(ctx, workflowEventType(final), id, map[string]any{"status": string(final)})
	}
	o.logger.Info("Workflow finished",
		zap.String("workflow_id", id),
		zap.String("status", string(final)))
	return err
}

func (o *Orchestrator) runLoop(ctx context.Context, wf *workflowState) (WorkflowStatus, error) {
	for {
		if o.status(wf) == WorkflowCancelled {
			return WorkflowCancelled, nil
		}

		ready, nonTerminal, err := o.readySet(ctx, wf)
		if err != nil {
			return WorkflowFailed, err
		}
		if len(ready) == 0 {
			if nonTerminal == 0 {
				break
			}
			return WorkflowFailed, fmt.Errorf("%w: %d tasks blocked in workflow %s",
				taskerr.ErrWorkflowStuck, nonTerminal, wf.id)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, taskID := range ready {
			g.Go(func() error {
				return o.dispatch(gctx, wf, taskID)
			})
		}
		if err := g.Wait(); err != nil {
			return WorkflowFailed, err
		}
	}

	for _, taskID := range wf.order {
		task, err := o.engine.Get(ctx, taskID)
		if err != nil {
			return WorkflowFailed, fmt.Errorf("load workflow task %s: %w", taskID, err)
		}
		if task != nil && task.Status == v1.TaskStatusFailed {
			return WorkflowFailed, nil
		}
	}
	return WorkflowCompleted, nil
}

// readySet returns the pending tasks whose every prerequisite is completed or
// failed, plus the count of tasks still non-terminal.
func (o *Orchestrator) readySet(ctx context.Context, wf *workflowState) ([]string, int, error) {
	status := make(map[string]v1.TaskStatus, len(wf.order))
	satisfied := make(map[string]bool, len(wf.order))
	for _, id := range wf.order {
		task, err := o.engine.Get(ctx, id)
		if err != nil {
			return nil, 0, fmt.Errorf("load workflow task %s: %w", id, err)
		}
		if task == nil {
			return nil, 0, fmt.Errorf("%w: workflow task %s", taskerr.ErrTaskNotFound, id)
		}
		status[id] = task.Status
		satisfied[id] = task.Status == v1.TaskStatusCompleted || task.Status == v1.TaskStatusFailed
	}

	var ready []string
	nonTerminal := 0
	for _, id := range wf.order {
		if !status[id].IsTerminal() {
			nonTerminal++
		}
		if status[id] != v1.TaskStatusPending {
			continue
		}
		blocked := false
		for prereq := range wf.prereqs[id] {
			if !satisfied[prereq] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready, nonTerminal, nil
}

// dispatch drives one ready task to a terminal state. Collaborator rejections
// and errors land on the task record; a task cancelled mid-dispatch keeps its
// terminal state and the late outcome is dropped. The returned error is
// reserved for infrastructure failures, which are workflow-fatal.
func (o *Orchestrator) dispatch(ctx context.Context, wf *workflowState, taskID string) error {
	task, err := o.engine.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil {
		return fmt.Errorf("%w: %s", taskerr.ErrTaskNotFound, taskID)
	}

	if err := o.engine.UpdateStatus(ctx, taskID, v1.TaskStatusPlanning); err != nil {
		o.logger.Debug("Task left the lifecycle before dispatch",
			zap.String("task_id", taskID),
			zap.Error(err))
		o.metrics.IncDispatch("skipped")
		return nil
	}

	// Authorization and role resolution happen during planning; a denial or
	// an unknown role fails the task, not the workflow.
	if o.security != nil {
		if check := o.security.CheckAgentAccess(ctx, o.sessionID, task.AgentRole); !check.Allowed {
			o.failTask(ctx, taskID, check.Reason)
			o.metrics.IncDispatch("denied")
			return nil
		}
	}
	role, err := o.registry.Get(task.AgentRole)
	if err != nil {
		o.failTask(ctx, taskID, err.Error())
		o.metrics.IncDispatch("failed")
		return nil
	}

	if err := o.engine.UpdateStatus(ctx, taskID, v1.TaskStatusRunning); err != nil {
		o.logger.Debug("Task left the lifecycle before dispatch",
			zap.String("task_id", taskID),
			zap.Error(err))
		o.metrics.IncDispatch("skipped")
		return nil
	}

	input, err := o.assembleInput(ctx, wf, task)
	if err != nil {
		return err
	}

	result, err := o.spawnSafely(ctx, runtime.SpawnRequest{
		Task:     input,
		Label:    task.Description,
		AgentID:  task.AgentRole,
		Model:    role.Model,
		Thinking: role.Thinking,
	})
	if err != nil {
		o.failTask(ctx, taskID, err.Error())
		o.metrics.IncDispatch("failed")
		return nil
	}
	if result.Status != runtime.SpawnAccepted {
		reason := result.Error
		if reason == "" {
			reason = "spawn rejected"
		}
		o.failTask(ctx, taskID, reason)
		o.metrics.IncDispatch("rejected")
		return nil
	}

	if result.ChildSessionKey != "" {
		if err := o.engine.SetSession(ctx, taskID, result.ChildSessionKey); err != nil {
			o.logger.Debug("Task terminal before session landed",
				zap.String("task_id", taskID),
				zap.Error(err))
			o.metrics.IncDispatch("skipped")
			return nil
		}
	}
	if err := o.engine.SetOutput(ctx, taskID, result.Output); err != nil {
		o.logger.Debug("Task terminal before output landed",
			zap.String("task_id", taskID),
			zap.Error(err))
		o.metrics.IncDispatch("skipped")
		return nil
	}
	if err := o.engine.UpdateStatus(ctx, taskID, v1.TaskStatusCompleted); err != nil {
		o.logger.Debug("Task terminal before completion landed",
			zap.String("task_id", taskID),
			zap.Error(err))
		o.metrics.IncDispatch("skipped")
		return nil
	}
	o.metrics.IncDispatch("completed")
	return nil
}

// assembleInput concatenates the task description with every completed
// prerequisite's output in creation order, each behind a separator.
func (o *Orchestrator) assembleInput(ctx context.Context, wf *workflowState, task *models.Task) (string, error) {
	var b strings.Builder
	b.WriteString(task.Description)
	for _, prereqID := range wf.order {
		if _, ok := wf.prereqs[task.ID][prereqID]; !ok {
			continue
		}
		prereq, err := o.engine.Get(ctx, prereqID)
		if err != nil {
			return "", fmt.Errorf("load prerequisite %s: %w", prereqID, err)
		}
		if prereq == nil || prereq.Status != v1.TaskStatusCompleted {
			continue
		}
		b.WriteString(outputSeparator)
		b.WriteString(prereq.Output)
	}
	return b.String(), nil
}

// spawnSafely shields the wave from a panicking collaborator; the panic
// message becomes the task's failure reason.
func (o *Orchestrator) spawnSafely(ctx context.Context, req runtime.SpawnRequest) (result *runtime.SpawnResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("collaborator panic: %v", r)
		}
	}()
	result, err = o.spawner.SpawnSubagent(ctx, req)
	if err == nil && result == nil {
		err = fmt.Errorf("collaborator returned no result")
	}
	return result, err
}

func (o *Orchestrator) failTask(ctx context.Context, taskID, reason string) {
	if err := o.engine.SetError(ctx, taskID, reason); err != nil {
		o.logger.Debug("Task terminal before failure landed",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func workflowEventType(status WorkflowStatus) string {
	if status == WorkflowFailed {
		return events.WorkflowFailed
	}
	return events.WorkflowCompleted
}
