package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/devflow/devflow/internal/task/models"
	"github.com/devflow/devflow/internal/task/taskerr"
)

// TaskUpdate is one element of a task update stream. The first element is a
// snapshot of current state with a nil Event; every later element carries the
// journal entry that produced it and the task state after the change.
type TaskUpdate struct {
	Task  *models.Task
	Event *models.TaskEvent
}

const streamBuffer = 16

// StreamUpdates returns a channel that yields a snapshot of the task's
// current state, then one update per journal entry until a terminal state is
// delivered, then closes. Cancelling the context closes the channel early.
//
// Each stream drains through its own queue, so a slow consumer never blocks
// engine mutations or other subscribers. Unknown ids fail with
// taskerr.ErrTaskNotFound.
func (e *Engine) StreamUpdates(ctx context.Context, id string) (<-chan TaskUpdate, error) {
	e.mu.Lock()
	task, err := e.store.Load(ctx, id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if task == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", taskerr.ErrTaskNotFound, id)
	}

	s := &stream{
		ch:   make(chan TaskUpdate, streamBuffer),
		wake: make(chan struct{}, 1),
	}
	s.queue = append(s.queue, TaskUpdate{Task: task})

	// Registering while still holding the engine lock closes the gap between
	// snapshot and subscription: no journal entry can slip in unobserved.
	var unsubscribe func()
	if !task.IsTerminal() {
		unsubscribe = e.subscribeLocked(id, s.enqueue)
	}
	e.mu.Unlock()

	go s.pump(ctx, unsubscribe)
	return s.ch, nil
}

// stream bridges synchronous subscriber callbacks to a consumer channel. The
// callback appends to an unbounded queue and never blocks; the pump goroutine
// delivers in order at the consumer's pace.
type stream struct {
	mu    sync.Mutex
	queue []TaskUpdate
	ch    chan TaskUpdate
	wake  chan struct{}
}

func (s *stream) enqueue(task *models.Task, ev *models.TaskEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, TaskUpdate{Task: task, Event: ev})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) pump(ctx context.Context, unsubscribe func()) {
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		close(s.ch)
	}()

	for {
		s.mu.Lock()
		var update TaskUpdate
		var ok bool
		if len(s.queue) > 0 {
			update = s.queue[0]
			s.queue = s.queue[1:]
			ok = true
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		select {
		case s.ch <- update:
		case <-ctx.Done():
			return
		}
		if update.Task != nil && update.Task.IsTerminal() {
			return
		}
	}
}
