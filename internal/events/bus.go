package events

import (
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeSessionOutput identifies new stdout text from a session.
	EventTypeSessionOutput = "SessionOutput"
	// EventTypeSessionError identifies new stderr text from a session.
	EventTypeSessionError = "SessionError"
	// EventTypeSessionExit identifies session process exit events.
	EventTypeSessionExit = "SessionExit"
	// EventTypeSessionStatus identifies session status transitions.
	EventTypeSessionStatus = "SessionStatus"
	// EventTypeTaskUpdate identifies task lifecycle changes.
	EventTypeTaskUpdate = "TaskUpdate"
	// EventTypeRespawnCycle identifies completed or aborted respawn cycles.
	EventTypeRespawnCycle = "RespawnCycle"
	// EventTypeSessionBlocked identifies circuit-breaker trips.
	EventTypeSessionBlocked = "SessionBlocked"
	// EventTypeSystemAlert identifies high-severity system alerts.
	EventTypeSystemAlert = "SystemAlert"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
// SessionID is empty for events that are not tied to one session.
type Event struct {
	Type      string
	Timestamp time.Time
	SessionID string
	TaskID    string
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler) Subscription
	SubscribeAll(handler Handler) Subscription
	Publish(event Event)
}

// Subscription releases a subscriber registration. Unsubscribe is
// idempotent; events still buffered for the subscriber are dropped.
type Subscription interface {
	Unsubscribe()
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered
// channels. Publish never blocks: a subscriber that cannot keep up has
// events dropped with a warning, so one slow consumer cannot stall the
// I/O callbacks of other sessions.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
}

type subscriber struct {
	id        uint64
	eventType string // empty for wildcard subscribers
	ch        chan Event
	done      chan struct{}
	bus       *InMemoryBus
	once      sync.Once
}

// Unsubscribe removes the subscriber and stops its consume goroutine. The
// subscriber channel is never closed, so a publish racing the removal can
// still buffer an event; it is simply never handled.
func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.Default(),
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type and returns the
// handle that releases the registration.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) Subscription {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return noopSubscription{}
	}
	sub := b.newSubscriber(normalizedType)

	b.mu.Lock()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
	return sub
}

// SubscribeAll registers a handler that receives every published event and
// returns the handle that releases the registration.
func (b *InMemoryBus) SubscribeAll(handler Handler) Subscription {
	if handler == nil {
		return noopSubscription{}
	}
	sub := b.newSubscriber("")

	b.mu.Lock()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
	return sub
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]*subscriber, []*subscriber) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := make([]*subscriber, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]*subscriber, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s session_id=%s task_id=%s",
			sub.id,
			event.Type,
			event.SessionID,
			event.TaskID,
		)
	}
}

func (b *InMemoryBus) newSubscriber(eventType string) *subscriber {
	b.mu.Lock()
	b.nextSubscriber++
	id := b.nextSubscriber
	b.mu.Unlock()

	return &subscriber{
		id:        id,
		eventType: eventType,
		ch:        make(chan Event, b.bufferSize),
		done:      make(chan struct{}),
		bus:       b,
	}
}

func (b *InMemoryBus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.eventType == "" {
		b.wildcardSubs = withoutSubscriber(b.wildcardSubs, sub.id)
		return
	}
	remaining := withoutSubscriber(b.typedSubs[sub.eventType], sub.id)
	if len(remaining) == 0 {
		delete(b.typedSubs, sub.eventType)
		return
	}
	b.typedSubs[sub.eventType] = remaining
}

func withoutSubscriber(subs []*subscriber, id uint64) []*subscriber {
	remaining := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			remaining = append(remaining, sub)
		}
	}
	return remaining
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	for {
		select {
		case event := <-sub.ch:
			handler(event)
		case <-sub.done:
			return
		}
	}
}
