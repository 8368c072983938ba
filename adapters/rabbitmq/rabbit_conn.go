package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Concrete AMQP connection-backed broker.

const defaultConnTimeout = 30 * time.Second

type Config struct {
	URL         string
	ConnTimeout time.Duration
	// Product is advertised in the AMQP client properties.
	Product string
}

// Broker dials RabbitMQ. Every Dial opens a new AMQP connection.
type Broker struct {
	cfg Config
}

var _ cbus.Broker = (*Broker)(nil)

// New validates cfg and returns a Broker. No connection is made until Dial.
func New(cfg Config) (*Broker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrInvalidConfig)
	}

	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = defaultConnTimeout
	}

	if cfg.Product == "" {
		cfg.Product = "scg-event-bus"
	}

	return &Broker{cfg: cfg}, nil
}

func (b *Broker) Dial(ctx context.Context) (cbus.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := b.cfg.ConnTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": b.cfg.Product},
		Dial:       amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	return &Connection{conn: conn}, nil
}

// Connection wraps an AMQP connection.
type Connection struct {
	conn *amqp.Connection
}

func (c *Connection) Channel() (cbus.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	return NewChannel(ch), nil
}

// Close closes the connection; closing an already closed connection is not an error.
func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}

	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	return nil
}
