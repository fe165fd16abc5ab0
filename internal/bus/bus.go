package bus

import "context"

// EventKind is the kind of a change event.
type EventKind string

const (
	// EventClearAll asks every listener to drop its cached state entirely.
	EventClearAll EventKind = "clear_all"
	// EventEntityChange signals that the entity identified by Key changed.
	EventEntityChange EventKind = "entity_change"
)

// Event is a broadcast change notification. Events are transient and only
// meaningful at delivery time. Delivery is at-least-once with no ordering
// guarantee across different keys.
type Event struct {
	Topic string    `json:"topic"`
	Kind  EventKind `json:"kind"`
	Key   string    `json:"key,omitempty"`
}

// Handler receives change events for one topic. Handler errors are logged by
// the bus and never stop delivery of subsequent events.
type Handler interface {
	OnClearAll(ctx context.Context) error
	OnEntityChange(ctx context.Context, key string) error
}

// Subscription is a live handler registration.
type Subscription interface {
	// Unsubscribe removes the handler. Safe to call more than once.
	Unsubscribe()
}

// Bus is a broadcast service delivering change events to every subscribed
// handler, in this process and in every cooperating process.
type Bus interface {
	Subscribe(topic string, h Handler) (Subscription, error)
	PublishClearAll(ctx context.Context, topic string) error
	PublishEntityChange(ctx context.Context, topic string, key string) error
}
