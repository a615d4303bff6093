package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifierSubscribe(t *testing.T) {
	n := NewNotifier()

	handler := func(event Event) {}
	n.Subscribe(EventRoleAdded, handler)
	assert.Equal(t, 1, n.SubscriberCount(EventRoleAdded))

	n.Subscribe(EventRoleAdded, handler)
	assert.Equal(t, 2, n.SubscriberCount(EventRoleAdded))
}

func TestNotifierPublish(t *testing.T) {
	n := NewNotifier()

	var received []Event
	n.Subscribe(EventRoleAdded, func(event Event) {
		received = append(received, event)
	})

	event := Event{
		Type:           EventRoleAdded,
		Timestamp:      time.Now(),
		RoleEntityRefs: []string{"role:default/reader"},
	}
	n.Publish(event)

	assert.Len(t, received, 1)
	assert.Equal(t, event.RoleEntityRefs, received[0].RoleEntityRefs)
}

func TestNotifierPublishWithoutSubscribers(t *testing.T) {
	n := NewNotifier()
	// Must not panic or block.
	n.Publish(Event{Type: EventRoleAdded})
}
