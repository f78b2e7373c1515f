package gateway

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker is the cross-node pub/sub used to spread quote updates between instances.
// Delivery is at-most-once: slow subscribers lose messages instead of blocking publishers.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel closed when ctx ends.
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
