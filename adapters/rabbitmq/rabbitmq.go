package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

const exchangeKind = "direct"

// AMQPChannel is the subset of *amqp.Channel used by the adapter.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// Channel implements cbus.Channel over an AMQP channel.
type Channel struct {
	ch AMQPChannel
}

var _ cbus.Channel = (*Channel)(nil)

// NewChannel wraps an AMQP channel.
func NewChannel(ch AMQPChannel) *Channel { return &Channel{ch: ch} }

func (c *Channel) DeclareExchange(name string) error {
	if err := c.ch.ExchangeDeclare(name, exchangeKind, false, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare exchange %s: %w", name, err)
	}

	return nil
}

func (c *Channel) DeclareQueue() (string, error) {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("rabbitmq declare queue: %w", err)
	}

	return q.Name, nil
}

func (c *Channel) BindQueue(queue, exchange, routingKey string) error {
	if err := c.ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq bind %s -> %s: %w", routingKey, queue, err)
	}

	return nil
}

func (c *Channel) UnbindQueue(queue, exchange, routingKey string) error {
	if err := c.ch.QueueUnbind(queue, routingKey, exchange, nil); err != nil {
		return fmt.Errorf("rabbitmq unbind %s -> %s: %w", routingKey, queue, err)
	}

	return nil
}

// Consume starts an auto-ack consumer. The returned channel closes when the AMQP channel closes.
func (c *Channel) Consume(queue string) (<-chan cbus.Delivery, error) {
	msgs, err := c.ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq consume %s: %w", queue, err)
	}

	out := make(chan cbus.Delivery)

	go func() {
		defer close(out)

		for m := range msgs {
			out <- toDelivery(m)
		}
	}()

	return out, nil
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg cbus.Message) error {
	var h amqp.Table
	if len(msg.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range msg.Headers {
			h[k] = v
		}
	}

	return c.ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Transient,
			Headers:      h,
			ContentType:  msg.ContentType,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Body:         msg.Body,
		},
	)
}

// Close closes the AMQP channel; closing an already closed channel is not an error.
func (c *Channel) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	return nil
}

func toDelivery(m amqp.Delivery) cbus.Delivery {
	d := cbus.Delivery{
		RoutingKey:  m.RoutingKey,
		ContentType: m.ContentType,
		Body:        m.Body,
	}

	if len(m.Headers) > 0 {
		d.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			if s, ok := v.(string); ok {
				d.Headers[k] = s
			} else {
				d.Headers[k] = fmt.Sprint(v)
			}
		}
	}

	return d
}
