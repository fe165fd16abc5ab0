package bus

import (
	"context"
	"log/slog"
	"sync"
)

// LocalBus dispatches events to subscribers within the same process.
// Delivery is synchronous with the publish call; handler errors are logged
// and isolated per event.
type LocalBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler // topic -> subscription id -> handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[string]map[uint64]Handler),
	}
}

func (b *LocalBus) Subscribe(topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subs[topic][id] = h

	return &localSubscription{bus: b, topic: topic, id: id}, nil
}

func (b *LocalBus) PublishClearAll(ctx context.Context, topic string) error {
	b.Dispatch(ctx, Event{Topic: topic, Kind: EventClearAll})
	return nil
}

func (b *LocalBus) PublishEntityChange(ctx context.Context, topic string, key string) error {
	b.Dispatch(ctx, Event{Topic: topic, Kind: EventEntityChange, Key: key})
	return nil
}

// Dispatch delivers an event to every handler subscribed to its topic.
func (b *LocalBus) Dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Topic]))
	for _, h := range b.subs[ev.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		var err error
		switch ev.Kind {
		case EventClearAll:
			err = h.OnClearAll(ctx)
		case EventEntityChange:
			err = h.OnEntityChange(ctx, ev.Key)
		default:
			slog.Warn("bus unhandled event kind", "topic", ev.Topic, "kind", ev.Kind)
		}
		if err != nil {
			slog.Error("bus handler error", "topic", ev.Topic, "kind", ev.Kind, "key", ev.Key, "error", err)
		}
	}
}

type localSubscription struct {
	bus   *LocalBus
	topic string
	id    uint64
	once  sync.Once
}

func (s *localSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.topic], s.id)
	})
}

var _ Bus = (*LocalBus)(nil)
