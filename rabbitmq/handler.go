package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Result tells the run-loop how to settle a delivery.
type Result int

const (
	// Ack removes the message. It is the zero value, so a handler that has
	// nothing to say acknowledges.
	Ack Result = iota
	// Reject drops the message without requeueing it.
	Reject
	// Requeue returns the message to its queue.
	Requeue
)

func (r Result) String() string {
	switch r {
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return "ack"
	}
}

// normalize maps unknown values to Ack.
func (r Result) normalize() Result {
	switch r {
	case Reject, Requeue:
		return r
	default:
		return Ack
	}
}

// Message is a delivery as seen by a Handler. Payload holds the deserialized
// body when the producer serialized it, nil otherwise. The run-loop settles the
// delivery from the returned Result; handlers must not ack it themselves.
type Message struct {
	amqp.Delivery
	Queue   string
	Payload any
}

// Handler processes messages from one queue.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (Result, error) {
	return f(ctx, msg)
}
