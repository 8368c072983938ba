/*
Package inmemory provides a process-local broker for tests and examples.
It models direct exchanges and exclusive, auto-delete queues: a queue disappears
together with its bindings when the channel that declared it closes.
*/
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// ErrClosed is returned by operations on a closed connection or channel.
var ErrClosed = errors.New("inmemory: closed")

// Published records one accepted publish for assertions.
type Published struct {
	Exchange   string
	RoutingKey string
	Message    cbus.Message
}

// Broker is a thread-safe in-memory implementation of cbus.Broker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]map[string]map[string]*queue // exchange -> routing key -> queue name
	queues    map[string]*queue
	published []Published
	dials     int
	dialErr   error
}

var _ cbus.Broker = (*Broker)(nil)

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]map[string]map[string]*queue),
		queues:    make(map[string]*queue),
	}
}

// FailDial makes subsequent dials fail with err. A nil err restores normal dialing.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// Dials returns the number of dial attempts so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

// Published returns a copy of every message accepted by an exchange.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Published(nil), b.published...)
}

// Queues returns the names of live queues, sorted.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Sorted(maps.Keys(b.queues))
}

// Bound returns the queues bound to exchange under routingKey, sorted.
func (b *Broker) Bound(exchange, routingKey string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Sorted(maps.Keys(b.exchanges[exchange][routingKey]))
}

func (b *Broker) Dial(ctx context.Context) (cbus.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	return &Connection{broker: b}, nil
}

func (b *Broker) deleteQueue(q *queue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.queues, q.name)

	for _, routes := range b.exchanges {
		for key, bound := range routes {
			delete(bound, q.name)

			if len(bound) == 0 {
				delete(routes, key)
			}
		}
	}
}

// Connection is an in-memory broker connection.
type Connection struct {
	broker   *Broker
	mu       sync.Mutex
	channels []*Channel
	closed   bool
}

func (c *Connection) Channel() (cbus.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	ch := &Channel{broker: c.broker, queues: make(map[string]*queue)}
	c.channels = append(c.channels, ch)

	return ch, nil
}

// Close closes every channel opened on the connection. Safe to repeat.
func (c *Connection) Close() error {
	c.mu.Lock()
	chans := c.channels
	c.channels = nil
	c.closed = true
	c.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}

	return nil
}

// Channel is an in-memory channel. Queues it declares are exclusive to it.
type Channel struct {
	broker *Broker
	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Channel) DeclareExchange(name string) error {
	if c.isClosed() {
		return ErrClosed
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = make(map[string]map[string]*queue)
	}

	return nil
}

func (c *Channel) DeclareQueue() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}

	q := newQueue("amq.gen-" + uuid.NewString())
	c.queues[q.name] = q

	c.broker.mu.Lock()
	c.broker.queues[q.name] = q
	c.broker.mu.Unlock()

	return q.name, nil
}

func (c *Channel) BindQueue(queueName, exchange, routingKey string) error {
	if c.isClosed() {
		return ErrClosed
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	routes, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("inmemory: exchange %q not found", exchange)
	}

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("inmemory: queue %q not found", queueName)
	}

	if routes[routingKey] == nil {
		routes[routingKey] = make(map[string]*queue)
	}

	routes[routingKey][queueName] = q

	return nil
}

func (c *Channel) UnbindQueue(queueName, exchange, routingKey string) error {
	if c.isClosed() {
		return ErrClosed
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	routes, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("inmemory: exchange %q not found", exchange)
	}

	delete(routes[routingKey], queueName)

	if len(routes[routingKey]) == 0 {
		delete(routes, routingKey)
	}

	return nil
}

func (c *Channel) Consume(queueName string) (<-chan cbus.Delivery, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	c.broker.mu.Lock()
	q, ok := c.broker.queues[queueName]
	c.broker.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("inmemory: queue %q not found", queueName)
	}

	return q.consume()
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.isClosed() {
		return ErrClosed
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	routes, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("inmemory: exchange %q not found", exchange)
	}

	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: routingKey, Message: msg})

	for _, q := range routes[routingKey] {
		q.push(cbus.Delivery{
			RoutingKey:  routingKey,
			ContentType: msg.ContentType,
			Headers:     maps.Clone(msg.Headers),
			Body:        slices.Clone(msg.Body),
		})
	}

	return nil
}

// Close deletes the queues declared on this channel and stops their consumers. Safe to repeat.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	owned := c.queues
	c.queues = nil
	c.mu.Unlock()

	for _, q := range owned {
		c.broker.deleteQueue(q)
		q.close()
	}

	return nil
}

// queue buffers deliveries without bound so publishers never block on slow consumers.
type queue struct {
	name      string
	mu        sync.Mutex
	buf       []cbus.Delivery
	consuming bool
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newQueue(name string) *queue {
	return &queue{
		name:   name,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *queue) push(d cbus.Delivery) {
	q.mu.Lock()
	q.buf = append(q.buf, d)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) consume() (<-chan cbus.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consuming {
		return nil, fmt.Errorf("inmemory: queue %q already has a consumer", q.name)
	}

	q.consuming = true
	out := make(chan cbus.Delivery)

	go q.pump(out)

	return out, nil
}

func (q *queue) pump(out chan<- cbus.Delivery) {
	defer close(out)

	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			d := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()

			select {
			case out <- d:
			case <-q.done:
				return
			}

			continue
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.done:
			return
		}
	}
}

func (q *queue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
