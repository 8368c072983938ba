package bus

import (
	"context"
	"time"
)

// Broker dials connections to a message broker.
// Adapters (RabbitMQ, NATS, Kafka, in-memory) implement it; the bus never sees a concrete client.
type Broker interface {
	Dial(ctx context.Context) (Connection, error)
}

// Connection is a live network connection to the broker.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel carries the routing operations the bus relies on.
// Implementations must be safe for concurrent use by multiple goroutines.
type Channel interface {
	// DeclareExchange creates the direct exchange if missing. Safe to repeat.
	DeclareExchange(name string) error
	// DeclareQueue creates an anonymous, exclusive queue and returns its broker-assigned name.
	DeclareQueue() (string, error)
	BindQueue(queue, exchange, routingKey string) error
	UnbindQueue(queue, exchange, routingKey string) error
	// Consume starts push delivery from queue. The channel is closed when the Channel closes.
	Consume(queue string) (<-chan Delivery, error)
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	Close() error
}

// Message is an outgoing broker message.
type Message struct {
	ID          string
	ContentType string
	Timestamp   time.Time
	Headers     map[string]string
	Body        []byte
}

// Delivery is an incoming broker message.
type Delivery struct {
	RoutingKey  string
	ContentType string
	Headers     map[string]string
	Body        []byte
}
