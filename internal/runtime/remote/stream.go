package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/task/taskerr"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// StreamTaskUpdates polls the node and yields one update per status change.
// Tasks arrive at the node in pending, so pending polls yield nothing. A
// terminal status is delivered and ends the stream; completed carries a
// synthesized progress of 100. When a poll fails, the final element carries
// the transport error and the stream closes so the caller can resubscribe.
func (c *Client) StreamTaskUpdates(ctx context.Context, taskID string) (<-chan runtime.TaskState, error) {
	updates := make(chan runtime.TaskState, 16)
	go c.poll(ctx, taskID, updates)
	return updates, nil
}

func (c *Client) poll(ctx context.Context, taskID string, updates chan<- runtime.TaskState) {
	defer close(updates)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	last := v1.TaskStatusPending
	for {
		state, err := c.fetchState(ctx, taskID)
		if err != nil {
			if !errors.Is(err, taskerr.ErrTransportUnavailable) {
				err = fmt.Errorf("%w: %v", taskerr.ErrTransportUnavailable, err)
			}
			c.logger.Warn("Task poll failed, ending stream",
				zap.String("task_id", taskID),
				zap.Error(err))
			c.send(ctx, updates, runtime.TaskState{ID: taskID, Err: err})
			return
		}

		if state.State != last {
			last = state.State
			update := *stateFromResponse(state)
			if update.Status == v1.TaskStatusCompleted {
				progress := 100
				update.Progress = &progress
			}
			if !c.send(ctx, updates, update) {
				return
			}
			if update.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, updates chan<- runtime.TaskState, state runtime.TaskState) bool {
	select {
	case updates <- state:
		return true
	case <-ctx.Done():
		return false
	}
}
