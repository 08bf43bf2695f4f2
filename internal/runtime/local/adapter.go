// Package local executes tasks in-process. The adapter owns a task engine
// and delegates the actual agent work to a Spawner collaborator; everything
// the engine journals is observable through the transport's stream.
package local

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/agent/registry"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/task/engine"
	"github.com/devflow/devflow/internal/task/models"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

var _ runtime.Transport = (*Adapter)(nil)
var _ runtime.ActiveLister = (*Adapter)(nil)

// Adapter is the in-process transport. Submissions create a pending task and
// return immediately; a goroutine then walks the task through planning and
// running and hands the prompt to the spawner.
type Adapter struct {
	engine   *engine.Engine
	spawner  runtime.Spawner
	registry *registry.Registry
	skills   []runtime.SkillInfo
	logger   *logger.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSkills replaces the built-in skill catalog.
func WithSkills(skills []runtime.SkillInfo) Option {
	return func(a *Adapter) { a.skills = skills }
}

// NewAdapter creates a local transport over the engine and spawner. The
// registry validates agent types at submission and backs ListAgents.
func NewAdapter(eng *engine.Engine, spawner runtime.Spawner, reg *registry.Registry, log *logger.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		engine:   eng,
		spawner:  spawner,
		registry: reg,
		skills:   defaultSkills(),
		logger:   log.WithComponent("local-transport"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SubmitTask creates the task and returns it in pending. Execution runs on
// its own goroutine, detached from the caller's cancellation.
func (a *Adapter) SubmitTask(ctx context.Context, req runtime.TaskRequest) (*runtime.TaskState, error) {
	role, err := a.registry.Get(req.AgentType)
	if err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}

	var metadata map[string]any
	if len(req.Context) > 0 {
		metadata = make(map[string]any, len(req.Context))
		for k, v := range req.Context {
			metadata[k] = v
		}
	}
	task, err := a.engine.Create(ctx, engine.CreateRequest{
		Description: req.Prompt,
		AgentRole:   req.AgentType,
		SessionID:   req.SessionID,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}

	go a.execute(context.WithoutCancel(ctx), task.ID, role, req)
	return stateFromTask(task), nil
}

// execute drives one task through its lifecycle. A task cancelled while the
// spawner is working keeps its terminal state; the outcome is dropped.
func (a *Adapter) execute(ctx context.Context, taskID string, role *registry.Role, req runtime.TaskRequest) {
	for _, status := range []v1.TaskStatus{v1.TaskStatusPlanning, v1.TaskStatusRunning} {
		if err := a.engine.UpdateStatus(ctx, taskID, status); err != nil {
			a.logger.Debug("Task left the lifecycle before execution",
				zap.String("task_id", taskID),
				zap.Error(err))
			return
		}
	}

	result, err := a.spawner.SpawnSubagent(ctx, runtime.SpawnRequest{
		Task:     req.Prompt,
		Label:    req.AgentType,
		AgentID:  req.AgentType,
		Model:    role.Model,
		Thinking: role.Thinking,
		Context:  req.Context,
	})
	if err != nil {
		a.fail(ctx, taskID, err.Error())
		return
	}
	if result.Status != runtime.SpawnAccepted {
		reason := result.Error
		if reason == "" {
			reason = "spawn rejected"
		}
		a.fail(ctx, taskID, reason)
		return
	}

	if err := a.engine.SetOutput(ctx, taskID, result.Output); err != nil {
		a.logger.Debug("Task terminal before output landed",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	if err := a.engine.UpdateStatus(ctx, taskID, v1.TaskStatusCompleted); err != nil {
		a.logger.Debug("Task terminal before completion landed",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func (a *Adapter) fail(ctx context.Context, taskID, reason string) {
	if err := a.engine.SetError(ctx, taskID, reason); err != nil {
		a.logger.Debug("Task terminal before failure landed",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// StreamTaskUpdates maps the engine stream onto transport task states.
func (a *Adapter) StreamTaskUpdates(ctx context.Context, taskID string) (<-chan runtime.TaskState, error) {
	updates, err := a.engine.StreamUpdates(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := make(chan runtime.TaskState)
	go func() {
		defer close(out)
		for update := range updates {
			select {
			case out <- *stateFromTask(update.Task):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// QueryTaskState returns the task's current state, or nil for an unknown id.
func (a *Adapter) QueryTaskState(ctx context.Context, taskID string) (*runtime.TaskState, error) {
	task, err := a.engine.Get(ctx, taskID)
	if err != nil || task == nil {
		return nil, err
	}
	return stateFromTask(task), nil
}

// CancelTask forwards to the engine. An in-flight spawn is not interrupted;
// its outcome is dropped when it lands on the cancelled task.
func (a *Adapter) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return a.engine.Cancel(ctx, taskID)
}

// ListAgents exposes the role registry.
func (a *Adapter) ListAgents(ctx context.Context) ([]runtime.AgentInfo, error) {
	roles := a.registry.List()
	agents := make([]runtime.AgentInfo, 0, len(roles))
	for _, role := range roles {
		agents = append(agents, runtime.AgentInfo{
			ID:           role.Name,
			Name:         role.Name,
			Description:  role.Description,
			Capabilities: append([]string(nil), role.Capabilities...),
		})
	}
	return agents, nil
}

// ListSkills exposes the skill catalog.
func (a *Adapter) ListSkills(ctx context.Context) ([]runtime.SkillInfo, error) {
	return append([]runtime.SkillInfo(nil), a.skills...), nil
}

// ActiveTasks counts tasks currently in running.
func (a *Adapter) ActiveTasks(ctx context.Context) int {
	status := v1.TaskStatusRunning
	tasks, err := a.engine.List(ctx, models.Filter{Status: &status})
	if err != nil {
		return 0
	}
	return len(tasks)
}

// Close is a no-op: the engine and its store are owned by the caller, and
// running tasks keep running.
func (a *Adapter) Close() error { return nil }

func stateFromTask(task *models.Task) *runtime.TaskState {
	state := &runtime.TaskState{
		ID:     task.ID,
		Status: task.Status,
		Output: task.Output,
		Error:  task.Error,
	}
	if task.Progress != nil {
		p := *task.Progress
		state.Progress = &p
	}
	return state
}

func defaultSkills() []runtime.SkillInfo {
	return []runtime.SkillInfo{
		{ID: "file-read", Name: "Read files", Description: "Read files inside the workspace"},
		{ID: "file-write", Name: "Write files", Description: "Create and modify files inside the workspace"},
		{ID: "code-search", Name: "Search code", Description: "Search the workspace for symbols and text"},
		{ID: "shell-exec", Name: "Run shell commands", Description: "Execute shell commands in the workspace", Dangerous: true},
	}
}
