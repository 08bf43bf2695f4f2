package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

// MemoryEventBus delivers events between components of a single process.
// Handlers run on their own goroutines, so a slow handler never blocks the
// publisher or its peers.
type MemoryEventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*memorySubscription
	groups map[string]*queueGroup
	logger *logger.Logger
	closed bool
}

var _ EventBus = (*MemoryEventBus)(nil)

type memorySubscription struct {
	id      uint64
	bus     *MemoryEventBus
	subject string
	pattern []string // subject split into tokens once, at subscribe time
	queue   string   // empty for fan-out subscriptions
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// queueGroup holds the members of one queue group and the round-robin
// cursor picking the next recipient. Keyed by queue name plus subject, so
// the same queue name on different subjects forms independent groups.
type queueGroup struct {
	mu      sync.Mutex
	pattern []string
	members []*memorySubscription
	cursor  int
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[uint64]*memorySubscription),
		groups: make(map[string]*queueGroup),
		logger: log,
	}
}

// matchSubject reports whether a concrete subject matches a pattern.
// "*" matches exactly one token; ">" matches one or more trailing tokens.
func matchSubject(subject []string, pattern []string) bool {
	for i, tok := range pattern {
		if tok == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(subject) == len(pattern)
}

func splitSubject(subject string) []string {
	return strings.Split(subject, ".")
}

func groupKey(queue, subject string) string {
	return queue + " " + subject
}

// Publish sends the event to every matching fan-out subscriber and to one
// member of each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	tokens := splitSubject(subject)

	for _, sub := range b.subs {
		if !matchSubject(tokens, sub.pattern) {
			continue
		}
		b.dispatch(ctx, sub, subject, event)
	}

	for _, group := range b.groups {
		if !matchSubject(tokens, group.pattern) {
			continue
		}
		if sub := group.next(); sub != nil {
			b.dispatch(ctx, sub, subject, event)
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// dispatch runs the handler on its own goroutine, skipping subscriptions
// that were cancelled after matching.
func (b *MemoryEventBus) dispatch(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	sub.mu.Lock()
	active := sub.active
	sub.mu.Unlock()
	if !active {
		return
	}

	go func() {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.Uint64("subscription", sub.id),
				zap.Error(err))
		}
	}()
}

// next picks the next active member round-robin, or nil when the group has
// no active members left.
func (g *queueGroup) next() *memorySubscription {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < len(g.members); i++ {
		sub := g.members[(g.cursor+i)%len(g.members)]
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if active {
			g.cursor = (g.cursor + i + 1) % len(g.members)
			return sub
		}
	}
	return nil
}

// Subscribe registers a fan-out subscription.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := b.newSubscription(subject, "", handler)
	b.subs[sub.id] = sub

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// QueueSubscribe registers a subscription in a queue group. Each published
// event reaches exactly one member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := b.newSubscription(subject, queue, handler)

	key := groupKey(queue, subject)
	group, ok := b.groups[key]
	if !ok {
		group = &queueGroup{pattern: sub.pattern}
		b.groups[key] = group
	}
	group.mu.Lock()
	group.members = append(group.members, sub)
	group.mu.Unlock()

	b.logger.Debug("Queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// newSubscription allocates a subscription. Caller holds b.mu.
func (b *MemoryEventBus) newSubscription(subject, queue string, handler EventHandler) *memorySubscription {
	b.nextID++
	return &memorySubscription{
		id:      b.nextID,
		bus:     b,
		subject: subject,
		pattern: splitSubject(subject),
		queue:   queue,
		handler: handler,
		active:  true,
	}
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	for _, group := range b.groups {
		group.mu.Lock()
		for _, sub := range group.members {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
		group.mu.Unlock()
	}

	b.subs = make(map[uint64]*memorySubscription)
	b.groups = make(map[string]*queueGroup)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until the bus is closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe deactivates the subscription and removes it from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.queue == "" {
		delete(s.bus.subs, s.id)
		return nil
	}

	key := groupKey(s.queue, s.subject)
	group, ok := s.bus.groups[key]
	if !ok {
		return nil
	}
	group.mu.Lock()
	for i, member := range group.members {
		if member == s {
			group.members = append(group.members[:i], group.members[i+1:]...)
			break
		}
	}
	empty := len(group.members) == 0
	group.mu.Unlock()
	if empty {
		delete(s.bus.groups, key)
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
