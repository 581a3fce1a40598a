package transport

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
	ErrAlreadySettled = errors.New("delivery already settled")
)

// Delivery is one consumed message.
type Delivery interface {
	// ID identifies the delivery for logging. It is unique per delivery
	// attempt, not per message.
	ID() string

	// Body returns the message payload.
	Body() []byte

	// UserID returns the sender identity authenticated by the transport,
	// or "" when the transport does not authenticate senders.
	UserID() string

	// Ack confirms the message was fully processed.
	Ack(ctx context.Context) error

	// Nack returns the message for redelivery.
	Nack(ctx context.Context) error
}

// HandlerFunc processes one delivery and settles it.
type HandlerFunc func(ctx context.Context, d Delivery)

// Publisher durably publishes payloads.
type Publisher interface {
	io.Closer

	// Publish returns once the transport has accepted payload for
	// destination. A nil error means the payload will not be lost.
	Publish(ctx context.Context, destination string, payload []byte) error
}

// Consumer consumes deliveries from a queue.
type Consumer interface {
	io.Closer

	// Consume feeds deliveries from queue to handler until ctx is done or
	// the consumer is closed. Consume may be called concurrently on the
	// same queue; each delivery goes to one caller.
	Consume(ctx context.Context, queue string, handler HandlerFunc) error
}

// Broker both publishes and consumes.
type Broker interface {
	Publisher
	Consumer
}
