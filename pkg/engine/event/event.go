// Package event is the synchronous publish/subscribe bus shared by systems and mods.
package event

import (
	"slices"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Event is a single published message.
type Event struct {
	Topic   string // Topic the event was published on
	Payload any    // Publisher-defined payload
}

// Handler is a function called for every event published on a subscribed topic.
type Handler func(Event) error

// SubscriptionID identifies one subscription. It is the handle used to unsubscribe.
type SubscriptionID = uuid.UUID

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus delivers events to subscribers synchronously, in subscription order. Like the World it is
// driven from the frame loop and is not safe for concurrent use.
type Bus struct {
	topics map[string][]subscription // Topic -> subscribers in subscription order
	owners map[SubscriptionID]string // Subscription -> topic
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string][]subscription),
		owners: make(map[SubscriptionID]string),
	}
}

// Subscribe registers fn for topic and returns the subscription handle.
func (b *Bus) Subscribe(topic string, fn Handler) SubscriptionID {
	id := uuid.New()
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: fn})
	b.owners[id] = topic
	return id
}

// Unsubscribe removes a subscription. Returns false if id is unknown.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	topic, ok := b.owners[id]
	if !ok {
		return false
	}
	delete(b.owners, id)

	subs := slices.DeleteFunc(b.topics[topic], func(s subscription) bool { return s.id == id })
	if len(subs) == 0 {
		delete(b.topics, topic)
	} else {
		b.topics[topic] = subs
	}
	return true
}

// Publish calls every handler subscribed to topic. Handlers added or removed while publishing take
// effect on the next Publish. Every handler runs even if an earlier one fails; the returned error
// collects all failures.
func (b *Bus) Publish(topic string, payload any) error {
	subs := slices.Clone(b.topics[topic])
	if len(subs) == 0 {
		return nil
	}

	event := Event{Topic: topic, Payload: payload}
	var errs []error
	for _, sub := range subs {
		if err := sub.handler(event); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("event %q dispatch encountered %d error(s): %v", topic, len(errs), errs)
	}
	return nil
}

// SubscriberCount returns the number of subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	return len(b.topics[topic])
}

// Len returns the total number of subscriptions.
func (b *Bus) Len() int {
	return len(b.owners)
}

// Scope returns a new scoped view over b.
func (b *Bus) Scope() *Scoped {
	return &Scoped{bus: b, owned: make(map[SubscriptionID]struct{})}
}
