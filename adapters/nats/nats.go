/*
Package nats provides a NATS broker for the event bus.
Routing maps onto subjects: a message published to exchange E with routing key K
goes to subject "E.K", and binding a queue to K subscribes it to that subject.
Queues are client-side buffers, so nothing survives the connection.
*/
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

const (
	headerContentType = "Content-Type"
	headerMsgID       = "Nats-Msg-Id"
	queueBuffer       = 256
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("nats: channel closed")

// Unsubscriber is satisfied by *nats.Subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// Client is the subset of a NATS connection the adapter needs.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	Subscribe(subject string, deliver func(*nats.Msg)) (Unsubscriber, error)
	PublishMsg(m *nats.Msg) error
	Flush() error
	Close()
}

// Connection implements cbus.Connection over a Client.
type Connection struct {
	client Client
}

var _ cbus.Connection = (*Connection)(nil)

// NewConnection wraps an already connected client.
func NewConnection(c Client) *Connection { return &Connection{client: c} }

func (c *Connection) Channel() (cbus.Channel, error) {
	return &Channel{client: c.client, queues: make(map[string]*queue)}, nil
}

func (c *Connection) Close() error {
	c.client.Close()
	return nil
}

// Channel implements cbus.Channel. Exchanges are subject prefixes and need no declaration.
type Channel struct {
	client Client
	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

var _ cbus.Channel = (*Channel)(nil)

func subject(exchange, routingKey string) string { return exchange + "." + routingKey }

func (c *Channel) DeclareExchange(name string) error {
	if name == "" {
		return errors.New("nats: exchange name required")
	}

	return nil
}

func (c *Channel) DeclareQueue() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}

	q := newQueue("q." + uuid.NewString())
	c.queues[q.name] = q

	return q.name, nil
}

func (c *Channel) queue(name string) (*queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	q, ok := c.queues[name]
	if !ok {
		return nil, fmt.Errorf("nats: queue %q not found", name)
	}

	return q, nil
}

func (c *Channel) BindQueue(queueName, exchange, routingKey string) error {
	q, err := c.queue(queueName)
	if err != nil {
		return err
	}

	subj := subject(exchange, routingKey)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.subs[subj]; ok {
		return nil
	}

	sub, err := c.client.Subscribe(subj, func(m *nats.Msg) { q.push(routingKey, m) })
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subj, err)
	}

	// The SUB must reach the server before BindQueue returns; publishes may use another connection.
	if err := c.client.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats subscribe %s flush: %w", subj, err)
	}

	q.subs[subj] = sub

	return nil
}

func (c *Channel) UnbindQueue(queueName, exchange, routingKey string) error {
	q, err := c.queue(queueName)
	if err != nil {
		return err
	}

	subj := subject(exchange, routingKey)

	q.mu.Lock()
	sub, ok := q.subs[subj]
	delete(q.subs, subj)
	q.mu.Unlock()

	if !ok {
		return nil
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subj, err)
	}

	if err := c.client.Flush(); err != nil {
		return fmt.Errorf("nats unsubscribe %s flush: %w", subj, err)
	}

	return nil
}

func (c *Channel) Consume(queueName string) (<-chan cbus.Delivery, error) {
	q, err := c.queue(queueName)
	if err != nil {
		return nil, err
	}

	return q.consume()
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := nats.NewMsg(subject(exchange, routingKey))
	m.Data = msg.Body

	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}

	if msg.ContentType != "" {
		m.Header.Set(headerContentType, msg.ContentType)
	}

	if msg.ID != "" {
		m.Header.Set(headerMsgID, msg.ID)
	}

	if err := c.client.PublishMsg(m); err != nil {
		return err
	}

	return c.client.Flush()
}

// Close unsubscribes every queue and closes their delivery channels. Safe to repeat.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	queues := c.queues
	c.queues = nil
	c.mu.Unlock()

	var errs []error

	for _, q := range queues {
		errs = append(errs, q.close())
	}

	return errors.Join(errs...)
}

type queue struct {
	name      string
	mu        sync.Mutex
	subs      map[string]Unsubscriber
	in        chan cbus.Delivery
	done      chan struct{}
	consuming bool
	closeOnce sync.Once
}

func newQueue(name string) *queue {
	return &queue{
		name: name,
		subs: make(map[string]Unsubscriber),
		in:   make(chan cbus.Delivery, queueBuffer),
		done: make(chan struct{}),
	}
}

// push runs on NATS subscription goroutines; it blocks while the buffer is full.
func (q *queue) push(routingKey string, m *nats.Msg) {
	d := cbus.Delivery{RoutingKey: routingKey, Body: m.Data}

	if len(m.Header) > 0 {
		d.Headers = make(map[string]string, len(m.Header))
		for k := range m.Header {
			d.Headers[k] = m.Header.Get(k)
		}

		d.ContentType = m.Header.Get(headerContentType)
	}

	select {
	case q.in <- d:
	case <-q.done:
	}
}

func (q *queue) consume() (<-chan cbus.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consuming {
		return nil, fmt.Errorf("nats: queue %q already has a consumer", q.name)
	}

	q.consuming = true
	out := make(chan cbus.Delivery)

	go func() {
		defer close(out)

		for {
			select {
			case d := <-q.in:
				select {
				case out <- d:
				case <-q.done:
					return
				}
			case <-q.done:
				return
			}
		}
	}()

	return out, nil
}

func (q *queue) close() error {
	q.mu.Lock()
	subs := q.subs
	q.subs = make(map[string]Unsubscriber)
	q.mu.Unlock()

	var errs []error

	for subj, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("nats unsubscribe %s: %w", subj, err))
		}
	}

	q.closeOnce.Do(func() { close(q.done) })

	return errors.Join(errs...)
}
