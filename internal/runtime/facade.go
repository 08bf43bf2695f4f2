package runtime

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/ident"
	"github.com/devflow/devflow/internal/common/logger"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// Facade fronts one Transport for the rest of the system. It tags the
// configured runtime mode, counts submissions, and reports a status
// snapshot. All task operations delegate to the transport.
type Facade struct {
	transport Transport
	mode      string
	version   string
	logger    *logger.Logger
	clock     ident.Clock
	start     time.Time
	total     atomic.Int64
	closed    atomic.Bool
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// WithVersion sets the version string reported by GetStatus.
func WithVersion(version string) FacadeOption {
	return func(f *Facade) { f.version = version }
}

// WithFacadeClock overrides the time source used for uptime.
func WithFacadeClock(clock ident.Clock) FacadeOption {
	return func(f *Facade) { f.clock = clock }
}

// NewFacade wraps the transport under the given runtime mode tag.
func NewFacade(transport Transport, mode string, log *logger.Logger, opts ...FacadeOption) *Facade {
	f := &Facade{
		transport: transport,
		mode:      mode,
		version:   "dev",
		logger:    log.WithComponent("runtime-facade"),
		clock:     ident.SystemClock,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.start = f.clock()
	return f
}

// Mode returns the configured runtime mode tag.
func (f *Facade) Mode() string { return f.mode }

// SubmitTask delegates to the transport and counts the submission.
func (f *Facade) SubmitTask(ctx context.Context, req TaskRequest) (*TaskState, error) {
	state, err := f.transport.SubmitTask(ctx, req)
	if err != nil {
		return nil, err
	}
	total := f.total.Add(1)
	f.logger.Debug("Submitted task",
		zap.String("task_id", state.ID),
		zap.String("agent_type", req.AgentType),
		zap.Int64("total", total))
	return state, nil
}

// StreamTaskUpdates delegates to the transport.
func (f *Facade) StreamTaskUpdates(ctx context.Context, taskID string) (<-chan TaskState, error) {
	return f.transport.StreamTaskUpdates(ctx, taskID)
}

// QueryTaskState delegates to the transport.
func (f *Facade) QueryTaskState(ctx context.Context, taskID string) (*TaskState, error) {
	return f.transport.QueryTaskState(ctx, taskID)
}

// CancelTask delegates to the transport.
func (f *Facade) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return f.transport.CancelTask(ctx, taskID)
}

// ListAgents delegates to the transport.
func (f *Facade) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	return f.transport.ListAgents(ctx)
}

// ListSkills delegates to the transport.
func (f *Facade) ListSkills(ctx context.Context) ([]SkillInfo, error) {
	return f.transport.ListSkills(ctx)
}

// GetStatus returns the facade's health and counter snapshot. Active tasks
// come from the transport when it can count them locally; a remote transport
// reports zero.
func (f *Facade) GetStatus(ctx context.Context) *v1.RuntimeStatusResponse {
	active := 0
	if lister, ok := f.transport.(ActiveLister); ok {
		active = lister.ActiveTasks(ctx)
	}
	uptime := int64(f.clock().Sub(f.start).Seconds())
	return &v1.RuntimeStatusResponse{
		Version:       f.version,
		UptimeSeconds: uptime,
		ActiveTasks:   active,
		TotalTasks:    f.total.Load(),
		Mode:          f.mode,
		Healthy:       !f.closed.Load(),
	}
}

// Close closes the underlying transport. Running tasks are not cancelled.
func (f *Facade) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.transport.Close()
}
