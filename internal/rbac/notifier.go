package rbac

import (
	"sync"
	"time"
)

// EventType represents the type of role lifecycle event
type EventType string

const (
	// EventRoleAdded fires once per newly created role, after the
	// creating transaction commits.
	EventRoleAdded EventType = "role.added"
)

// Event carries the role identifiers a lifecycle event is about.
type Event struct {
	Type      EventType
	Timestamp time.Time
	// RoleEntityRefs holds one identifier per newly created role; a batch
	// operation that creates a single role still emits a single entry.
	RoleEntityRefs []string
}

// Handler is a function that handles role lifecycle events
type Handler func(event Event)

// Notifier manages role lifecycle notifications. Emission is synchronous
// so subscribers observe events in commit order.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewNotifier creates a new role event notifier
func NewNotifier() *Notifier {
	return &Notifier{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for an event type
func (n *Notifier) Subscribe(eventType EventType, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[eventType] = append(n.handlers[eventType], handler)
}

// Publish sends an event to all registered handlers synchronously
func (n *Notifier) Publish(event Event) {
	n.mu.RLock()
	handlers := n.handlers[event.Type]
	n.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// SubscriberCount returns the number of subscribers for an event type
func (n *Notifier) SubscriberCount(eventType EventType) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.handlers[eventType])
}
