// Package streaming carries record transition events from the projector
// to live consumers: the websocket hub, the timeline and the event log.
package streaming

import (
	"context"
	"time"
)

// Event is one published record transition as seen by subscribers. The
// payload is the marshalled projector event; Source identifies the
// emitting plane.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher is the projector-facing side of the stream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

// Subscriber is the consumer-facing side; the websocket hub subscribes
// to the record transition topic through it.
type Subscriber interface {
	Subscribe(topic string, handler func(event Event)) (Subscription, error)
}

// Subscription detaches one handler from its topic.
type Subscription interface {
	Unsubscribe() error
}
