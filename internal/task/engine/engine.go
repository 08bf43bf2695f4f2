// Package engine implements the task lifecycle state machine.
//
// The engine owns every task mutation: status transitions, progress, output,
// error recording, and cancellation. Each legal change appends exactly one
// record to the task's event journal and notifies subscribers in journal
// order. The store remains the source of truth; the engine holds no task
// state of its own.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/ident"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/task/models"
	"github.com/devflow/devflow/internal/task/store"
	"github.com/devflow/devflow/internal/task/taskerr"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// subscriberFn receives the post-change task snapshot and the journal entry
// that produced it. Both are clones owned by the receiver.
type subscriberFn func(task *models.Task, event *models.TaskEvent)

// Engine drives task lifecycles against a backing store.
//
// Mutations serialize on a single mutex; subscriber callbacks run
// synchronously inside that critical section, so they must not block and
// must not call back into the engine.
type Engine struct {
	store store.Store
	log   *logger.Logger
	bus   bus.EventBus
	clock ident.Clock

	mu        sync.Mutex
	subs      map[string]map[int]subscriberFn
	nextSubID int
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus publishes lifecycle events on the bus in addition to the
// synchronous subscriber path.
func WithEventBus(b bus.EventBus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithClock overrides the timestamp source.
func WithClock(c ident.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an engine on top of the given store.
func New(st store.Store, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		log:   log,
		clock: ident.SystemClock,
		subs:  make(map[string]map[int]subscriberFn),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest carries the caller-supplied fields of a new task.
type CreateRequest struct {
	Description string
	AgentRole   string
	SessionID   string
	ParentID    string
	Metadata    map[string]any
}

// Create stores a new task in pending status and journals the created event.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Task, error) {
	now := e.clock()
	task := &models.Task{
		ID:          ident.NewTaskID(),
		Status:      v1.TaskStatusPending,
		Description: req.Description,
		AgentRole:   req.AgentRole,
		SessionID:   req.SessionID,
		ParentID:    req.ParentID,
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Save(ctx, task); err != nil {
		return nil, err
	}

	data := map[string]any{"description": task.Description}
	if task.AgentRole != "" {
		data["agent_role"] = task.AgentRole
	}
	if task.SessionID != "" {
		data["session_id"] = task.SessionID
	}
	pending := v1.TaskStatusPending
	ev, err := e.journalLocked(ctx, task, models.EventCreated, nil, &pending, data)
	if err != nil {
		return nil, err
	}
	e.notifyLocked(ctx, task, ev)

	e.log.Debug("task created",
		zap.String("task_id", task.ID),
		zap.String("agent_role", task.AgentRole))
	return task.Clone(), nil
}

// UpdateStatus moves the task to the next status if the lifecycle table
// allows it; otherwise it returns taskerr.ErrInvalidTransition and leaves the
// task untouched. First entry to planning or running stamps StartedAt;
// entering a terminal status stamps CompletedAt.
func (e *Engine) UpdateStatus(ctx context.Context, id string, next v1.TaskStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: cannot move task %s from %s to %s",
			taskerr.ErrInvalidTransition, id, task.Status, next)
	}

	old := task.Status
	e.applyStatusLocked(task, next)
	if err := e.store.Save(ctx, task); err != nil {
		return err
	}

	ev, err := e.journalLocked(ctx, task, models.EventStatusChanged, &old, &next, nil)
	if err != nil {
		return err
	}
	e.notifyLocked(ctx, task, ev)

	e.log.Debug("task status changed",
		zap.String("task_id", id),
		zap.String("old_status", string(old)),
		zap.String("new_status", string(next)))
	return nil
}

// SetError moves the task to failed and records the error message in one
// store write. Observers never see failed without the message.
func (e *Engine) SetError(ctx context.Context, id, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.CanTransitionTo(v1.TaskStatusFailed) {
		return fmt.Errorf("%w: cannot fail task %s in status %s",
			taskerr.ErrInvalidTransition, id, task.Status)
	}

	old := task.Status
	failed := v1.TaskStatusFailed
	task.Error = message
	e.applyStatusLocked(task, failed)
	if err := e.store.Save(ctx, task); err != nil {
		return err
	}

	ev, err := e.journalLocked(ctx, task, models.EventStatusChanged, &old, &failed, nil)
	if err != nil {
		return err
	}
	e.notifyLocked(ctx, task, ev)

	errEv, err := e.journalLocked(ctx, task, models.EventErrorSet, nil, nil,
		map[string]any{"error": message})
	if err != nil {
		return err
	}
	e.notifyLocked(ctx, task, errEv)

	e.log.Debug("task failed",
		zap.String("task_id", id),
		zap.String("error", message))
	return nil
}

// UpdateProgress clamps progress to [0,100] and stores it. Terminal tasks
// reject the update with taskerr.ErrTerminalImmutable. A value equal to the
// stored one is a silent no-op and journals nothing.
func (e *Engine) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return fmt.Errorf("%w: cannot update progress of %s task %s",
			taskerr.ErrTerminalImmutable, task.Status, id)
	}
	if task.Progress != nil && *task.Progress == progress {
		return nil
	}

	task.Progress = &progress
	if err := e.store.Save(ctx, task); err != nil {
		return err
	}

	ev, err := e.journalLocked(ctx, task, models.EventProgressUpdated, nil, nil,
		map[string]any{"progress": progress})
	if err != nil {
		return err
	}
	e.notifyLocked(ctx, task, ev)
	return nil
}

// SetOutput overwrites the task's output string. Terminal tasks reject the
// update with taskerr.ErrTerminalImmutable.
func (e *Engine) SetOutput(ctx context.Context, id, output string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return fmt.Errorf("%w: cannot set output of %s task %s",
			taskerr.ErrTerminalImmutable, task.Status, id)
	}

	task.Output = output
	if err := e.store.Save(ctx, task); err != nil {
		return err
	}

	ev, err := e.journalLocked(ctx, task, models.EventOutputAdded, nil, nil,
		map[string]any{"output": output})
	if err != nil {
		return err
	}
	e.notifyLocked(ctx, task, ev)
	return nil
}

// SetSession records the collaborator session handle on a non-terminal task.
// The handle is bookkeeping, not lifecycle, so no journal entry is appended.
func (e *Engine) SetSession(ctx context.Context, id, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return fmt.Errorf("%w: cannot set session of %s task %s",
			taskerr.ErrTerminalImmutable, task.Status, id)
	}

	task.SessionID = sessionID
	return e.store.Save(ctx, task)
}

// Cancel moves a non-terminal task to cancelled and reports whether it did.
// Terminal and unknown tasks return false without journaling. Cancellation
// is cooperative: a transport already executing the task honors it at its
// next observation point.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.store.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil || task.IsTerminal() {
		return false, nil
	}

	old := task.Status
	cancelled := v1.TaskStatusCancelled
	e.applyStatusLocked(task, cancelled)
	if err := e.store.Save(ctx, task); err != nil {
		return false, err
	}

	ev, err := e.journalLocked(ctx, task, models.EventStatusChanged, &old, &cancelled, nil)
	if err != nil {
		return false, err
	}
	e.notifyLocked(ctx, task, ev)

	e.log.Info("task cancelled", zap.String("task_id", id))
	return true, nil
}

// Get returns a copy of the task, or nil if the id is unknown.
func (e *Engine) Get(ctx context.Context, id string) (*models.Task, error) {
	return e.store.Load(ctx, id)
}

// List returns copies of every task matching the filter.
func (e *Engine) List(ctx context.Context, filter models.Filter) ([]*models.Task, error) {
	return e.store.List(ctx, filter)
}

// Events returns the task's journal in insertion order.
func (e *Engine) Events(ctx context.Context, id string) ([]*models.TaskEvent, error) {
	return e.store.GetEvents(ctx, id)
}

// Subscribe registers a callback for every subsequent journal entry of the
// task. Callbacks run synchronously on the mutating goroutine in journal
// order; they must not block and must not call back into the engine. The
// returned function removes the subscription and is safe to call more than
// once.
func (e *Engine) Subscribe(id string, callback func(*models.TaskEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribeLocked(id, func(_ *models.Task, ev *models.TaskEvent) {
		callback(ev)
	})
}

func (e *Engine) subscribeLocked(id string, fn subscriberFn) func() {
	e.nextSubID++
	subID := e.nextSubID
	if e.subs[id] == nil {
		e.subs[id] = make(map[int]subscriberFn)
	}
	e.subs[id][subID] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs[id], subID)
			if len(e.subs[id]) == 0 {
				delete(e.subs, id)
			}
		})
	}
}

// loadLocked fetches a task for mutation. Unknown ids fail with
// taskerr.ErrTaskNotFound since a mutation has no nil-return slot.
func (e *Engine) loadLocked(ctx context.Context, id string) (*models.Task, error) {
	task, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", taskerr.ErrTaskNotFound, id)
	}
	return task, nil
}

// applyStatusLocked sets the status and its timestamp side effects.
func (e *Engine) applyStatusLocked(task *models.Task, next v1.TaskStatus) {
	task.Status = next
	now := e.clock()
	if (next == v1.TaskStatusPlanning || next == v1.TaskStatusRunning) && task.StartedAt == nil {
		ts := now
		task.StartedAt = &ts
	}
	if next.IsTerminal() && task.CompletedAt == nil {
		ts := now
		task.CompletedAt = &ts
	}
}

func (e *Engine) journalLocked(ctx context.Context, task *models.Task, kind models.EventKind, oldStatus, newStatus *v1.TaskStatus, data map[string]any) (*models.TaskEvent, error) {
	ev := &models.TaskEvent{
		ID:        ident.NewEventID(),
		TaskID:    task.ID,
		Kind:      kind,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Data:      data,
		Timestamp: e.clock(),
	}
	if err := e.store.SaveEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// notifyLocked fans the journal entry out to subscribers in registration
// order, then publishes it on the bus.
func (e *Engine) notifyLocked(ctx context.Context, task *models.Task, ev *models.TaskEvent) {
	if m := e.subs[task.ID]; len(m) > 0 {
		ids := make([]int, 0, len(m))
		for subID := range m {
			ids = append(ids, subID)
		}
		sort.Ints(ids)
		for _, subID := range ids {
			m[subID](task.Clone(), ev.Clone())
		}
	}
	e.publishLocked(ctx, task, ev)
}

// publishLocked mirrors the journal entry onto the event bus. Bus delivery is
// best-effort observability; the journal and subscribers stay authoritative.
func (e *Engine) publishLocked(ctx context.Context, task *models.Task, ev *models.TaskEvent) {
	if e.bus == nil {
		return
	}
	eventType := busEventType(ev.Kind)
	if eventType == "" {
		return
	}

	data := map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
	}
	if task.AgentRole != "" {
		data["agent_role"] = task.AgentRole
	}
	if task.SessionID != "" {
		data["session_id"] = task.SessionID
	}
	if ev.OldStatus != nil {
		data["old_status"] = string(*ev.OldStatus)
	}
	if ev.NewStatus != nil {
		data["new_status"] = string(*ev.NewStatus)
	}
	for k, v := range ev.Data {
		data[k] = v
	}

	subject := events.BuildTaskSubject(eventType, task.ID)
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(eventType, "task-engine", data)); err != nil {
		e.log.Warn("failed to publish task event",
			zap.String("subject", subject),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func busEventType(kind models.EventKind) string {
	switch kind {
	case models.EventCreated:
		return events.TaskCreated
	case models.EventStatusChanged:
		return events.TaskStatusChanged
	case models.EventProgressUpdated:
		return events.TaskProgressUpdated
	case models.EventOutputAdded:
		return events.TaskOutputAdded
	case models.EventErrorSet:
		return events.TaskErrorSet
	default:
		return ""
	}
}
