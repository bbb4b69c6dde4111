// Package transport abstracts the device message bus. The delivery handler
// and the shadow synchronizer speak to a Transport; implementations include
// the NATS-backed bus and an in-process loopback for tests and the dev
// sandbox.
package transport

import "context"

// Message is one bus delivery.
type Message struct {
	// Topic is the subject the message arrived on.
	Topic string

	// Payload is the raw message body.
	Payload []byte
}

// Transport is a topic-based publish/subscribe bus. Topics use '/' as the
// segment separator. Implementations must be safe for concurrent use.
type Transport interface {
	// Publish sends a payload to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers messages for a topic on the returned channel until
	// the context is cancelled or the transport closes. The channel is
	// closed when the subscription ends.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)

	// Close tears down all subscriptions and the underlying connection.
	Close() error
}
