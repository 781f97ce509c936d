package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is the in-process fan-out used until an external broker is wired:
// publishes are delivered synchronously to every topic subscriber.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]func(event Event)
	nextID   int
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]func(event Event))}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "trigger-plane",
	}

	b.mu.RLock()
	subs := make([]func(event Event), 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		subs = append(subs, h)
	}
	b.mu.RUnlock()

	for _, h := range subs {
		h(event)
	}
	return nil
}

func (b *Bus) Close() error { return nil }

func (b *Bus) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]func(event Event))
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = handler
	return &busSubscription{bus: b, topic: topic, id: id}, nil
}

type busSubscription struct {
	bus   *Bus
	topic string
	id    int
}

func (s *busSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers[s.topic], s.id)
	return nil
}

// Fanout publishes to several publishers in order; the first error wins
// but all publishers are attempted.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic string, payload interface{}) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, topic, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) Close() error {
	var first error
	for _, p := range f {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
