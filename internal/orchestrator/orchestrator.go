package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/agent/registry"
	"github.com/devflow/devflow/internal/common/ident"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/security"
	"github.com/devflow/devflow/internal/task/engine"
	"github.com/devflow/devflow/internal/task/models"
	"github.com/devflow/devflow/internal/task/taskerr"
)

// Orchestrator owns workflow graphs and the dispatch loop. Task state is
// delegated to the engine; collaborator execution to the spawner.
type Orchestrator struct {
	engine   *engine.Engine
	spawner  runtime.Spawner
	registry *registry.Registry
	logger   *logger.Logger
	bus      bus.EventBus
	metrics  *Metrics
	clock    ident.Clock

	security  *security.Service
	sessionID string

	mu        sync.RWMutex
	workflows map[string]*workflowState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventBus publishes workflow lifecycle events on the bus.
func WithEventBus(b bus.EventBus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithSecurity gates every dispatch through CheckAgentAccess using the given
// session.
func WithSecurity(svc *security.Service, sessionID string) Option {
	return func(o *Orchestrator) {
		o.security = svc
		o.sessionID = sessionID
	}
}

// WithMetrics overrides the shared default collectors, letting tests supply
// a private registry.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(c ident.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// New creates an orchestrator over an engine, a spawner, and a role
// registry.
func New(eng *engine.Engine, spawner runtime.Spawner, reg *registry.Registry, log *logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:    eng,
		spawner:   spawner,
		registry:  reg,
		logger:    log.WithComponent("orchestrator"),
		clock:     ident.SystemClock,
		workflows: make(map[string]*workflowState),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = defaultMetrics()
	}
	return o
}

// CreateWorkflow lowers the steps into pending task records and stores the
// dependency graph. Dependency names are resolved by exact description
// match; an unresolved name is dropped with a warning. A cyclic graph is the
// only creation failure, detected before any task exists so nothing is
// journaled.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, steps []Step) (*Workflow, error) {
	if len(steps) == 0 {
		return nil, errors.New("workflow needs at least one step")
	}

	prereqIdx := make([]map[int]struct{}, len(steps))
	for i := range steps {
		prereqIdx[i] = make(map[int]struct{})
	}
	for i, step := range steps {
		for _, dep := range step.DependsOn {
			j, ok := matchStep(steps, i, dep)
			if !ok {
				o.logger.Warn("Dropping unresolved workflow dependency",
					zap.String("step", step.Description),
					zap.String("depends_on", dep))
				continue
			}
			prereqIdx[i][j] = struct{}{}
		}
	}
	if hasCycle(prereqIdx) {
		return nil, fmt.Errorf("%w: %d steps", taskerr.ErrWorkflowCyclic, len(steps))
	}

	wfID := ident.NewWorkflowID()
	order := make([]string, len(steps))
	for i, step := range steps {
		task, err := o.engine.Create(ctx, engine.CreateRequest{
			Description: step.Description,
			AgentRole:   step.Role,
			Metadata:    map[string]any{"workflow_id": wfID},
		})
		if err != nil {
			return nil, fmt.Errorf("create workflow task: %w", err)
		}
		order[i] = task.ID
	}

	prereqs := make(map[string]map[string]struct{}, len(steps))
	dependents := make(map[string]map[string]struct{}, len(steps))
	for _, id := range order {
		prereqs[id] = make(map[string]struct{})
		dependents[id] = make(map[string]struct{})
	}
	for i, id := range order {
		for j := range prereqIdx[i] {
			prereqs[id][order[j]] = struct{}{}
			dependents[order[j]][id] = struct{}{}
		}
	}

	wf := &workflowState{
		id:         wfID,
		status:     WorkflowPending,
		createdAt:  o.clock(),
		order:      order,
		prereqs:    prereqs,
		dependents: dependents,
	}
	o.mu.Lock()
	o.workflows[wfID] = wf
	o.mu.Unlock()

	o.publish(ctx, events.WorkflowCreated, wfID, map[string]any{"tasks": len(order)})
	o.logger.Info("Workflow created",
		zap.String("workflow_id", wfID),
		zap.Int("tasks", len(order)))
	return o.snapshot(ctx, wf)
}

// GetWorkflow returns a snapshot with fresh task copies, or nil if the id is
// unknown.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	o.mu.RLock()
	wf, ok := o.workflows[id]
	o.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return o.snapshot(ctx, wf)
}

// ListWorkflowIDs returns every known workflow id.
func (o *Orchestrator) ListWorkflowIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.workflows))
	for id := range o.workflows {
		ids = append(ids, id)
	}
	return ids
}

// CancelWorkflow marks the workflow cancelled and cancels every non-terminal
// task it owns. Cancellation is cooperative: a task currently inside a
// dispatch finishes there, and its late outcome is dropped against the
// already-terminal record.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, id string) error {
	o.mu.Lock()
	wf, ok := o.workflows[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("workflow %s not found", id)
	}
	if wf.status.IsTerminal() {
		o.mu.Unlock()
		return nil
	}
	wf.status = WorkflowCancelled
	o.mu.Unlock()

	for _, taskID := range wf.order {
		if _, err := o.engine.Cancel(ctx, taskID); err != nil {
			o.logger.Warn("Failed to cancel workflow task",
				zap.String("workflow_id", id),
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	}

	o.publish(ctx, events.WorkflowCancelled, id, nil)
	o.logger.Info("Workflow cancelled", zap.String("workflow_id", id))
	return nil
}

func (o *Orchestrator) snapshot(ctx context.Context, wf *workflowState) (*Workflow, error) {
	o.mu.RLock()
	status := wf.status
	o.mu.RUnlock()

	out := &Workflow{
		ID:         wf.id,
		Status:     status,
		CreatedAt:  wf.createdAt,
		Order:      append([]string(nil), wf.order...),
		Tasks:      make(map[string]*models.Task, len(wf.order)),
		Prereqs:    make(map[string][]string, len(wf.order)),
		Dependents: make(map[string][]string, len(wf.order)),
	}
	for _, taskID := range wf.order {
		task, err := o.engine.Get(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("load workflow task %s: %w", taskID, err)
		}
		out.Tasks[taskID] = task
		out.Prereqs[taskID] = sortedKeys(wf.prereqs[taskID])
		out.Dependents[taskID] = sortedKeys(wf.dependents[taskID])
	}
	return out, nil
}

func (o *Orchestrator) status(wf *workflowState) WorkflowStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return wf.status
}

func (o *Orchestrator) publish(ctx context.Context, eventType, workflowID string, data map[string]any) {
	if o.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["workflow_id"] = workflowID
	subject := events.BuildWorkflowSubject(eventType, workflowID)
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.logger.Warn("Failed to publish workflow event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
