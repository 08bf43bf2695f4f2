// Package bus provides the event bus the task engine publishes on. The
// in-memory implementation is the default; the NATS implementation serves
// distributed-cluster deployments. Both use NATS subject semantics, so
// subscribers behave the same on either.
package bus

import (
	"context"
	"time"

	"github.com/devflow/devflow/internal/common/ident"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an event with a fresh identifier and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        ident.NewEventID(),
		Type:      eventType,
		Source:    source,
		Timestamp: ident.Now(),
		Data:      data,
	}
}

// EventHandler consumes one event. A returned error is logged by the bus;
// it does not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle on an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and subscribes on dot-separated subjects with
// NATS-style wildcards: * matches exactly one token, > matches one or more
// trailing tokens.
type EventBus interface {
	// Publish sends an event to every matching subscriber.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers a handler in a queue group; each event goes
	// to one member of the group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close tears the bus down and deactivates every subscription.
	Close()

	// IsConnected reports whether the bus can still deliver.
	IsConnected() bool
}
