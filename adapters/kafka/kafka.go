/*
Package kafka provides a Kafka broker for the event bus built on franz-go.
An exchange E with routing key K maps to topic "E.K". Binding a queue adds the
topic to the client's consumed set and unbinding purges it.

A fresh queue only sees events published after it was bound. The client's reset
offset is anchored to the dial time by timestamp lookup rather than to the log end,
because the end offset is resolved asynchronously and a record produced right after
a bind could land before it. Each binding then drops records stamped earlier than
its own bind time, minus ClockSkew to tolerate producer clocks running behind.
Records carry their produce time; the event time travels in the event-time header.
*/
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

const (
	headerContentType = "content-type"
	headerMessageID   = "message-id"
	headerEventTime   = "event-time"
)

// ClockSkew is how far a record's produce timestamp may precede its binding's bind
// time and still be delivered.
const ClockSkew = time.Second

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("kafka: channel closed")

// Client is the subset of *kgo.Client the adapter needs.
type Client interface {
	AddConsumeTopics(topics ...string)
	PurgeTopicsFromConsuming(topics ...string)
	PollFetches(ctx context.Context) kgo.Fetches
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Connection implements cbus.Connection over one Client.
type Connection struct {
	client  Client
	onError func(topic string, err error)
}

var _ cbus.Connection = (*Connection)(nil)

// NewConnection wraps a client. onError receives fetch errors and may be nil.
func NewConnection(c Client, onError func(topic string, err error)) *Connection {
	return &Connection{client: c, onError: onError}
}

func (c *Connection) Channel() (cbus.Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		client:  c.client,
		onError: c.onError,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*queue),
		refs:    make(map[string]int),
	}, nil
}

func (c *Connection) Close() error {
	c.client.Close()
	return nil
}

type binding struct {
	key   string
	since time.Time
}

type queue struct {
	name     string
	bindings map[string]binding // by topic
	out      chan cbus.Delivery
}

// Channel implements cbus.Channel. A single fetch loop serves every queue on the channel.
type Channel struct {
	client  Client
	onError func(topic string, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string]*queue
	refs    map[string]int
	polling bool
	closed  bool
}

var _ cbus.Channel = (*Channel)(nil)

func topic(exchange, routingKey string) string { return exchange + "." + routingKey }

func (c *Channel) DeclareExchange(name string) error {
	if name == "" {
		return errors.New("kafka: exchange name required")
	}

	return nil
}

func (c *Channel) DeclareQueue() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}

	q := &queue{name: "q." + uuid.NewString(), bindings: make(map[string]binding)}
	c.queues[q.name] = q

	return q.name, nil
}

func (c *Channel) lookup(name string) (*queue, error) {
	if c.closed {
		return nil, ErrClosed
	}

	q, ok := c.queues[name]
	if !ok {
		return nil, fmt.Errorf("kafka: queue %q not found", name)
	}

	return q, nil
}

func (c *Channel) BindQueue(queueName, exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.lookup(queueName)
	if err != nil {
		return err
	}

	t := topic(exchange, routingKey)
	if _, ok := q.bindings[t]; ok {
		return nil
	}

	q.bindings[t] = binding{key: routingKey, since: time.Now()}

	c.refs[t]++
	if c.refs[t] == 1 {
		c.client.AddConsumeTopics(t)
	}

	return nil
}

func (c *Channel) UnbindQueue(queueName, exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.lookup(queueName)
	if err != nil {
		return err
	}

	t := topic(exchange, routingKey)
	if _, ok := q.bindings[t]; !ok {
		return nil
	}

	delete(q.bindings, t)

	c.refs[t]--
	if c.refs[t] == 0 {
		delete(c.refs, t)
		c.client.PurgeTopicsFromConsuming(t)
	}

	return nil
}

func (c *Channel) Consume(queueName string) (<-chan cbus.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.lookup(queueName)
	if err != nil {
		return nil, err
	}

	if q.out != nil {
		return nil, fmt.Errorf("kafka: queue %q already has a consumer", queueName)
	}

	q.out = make(chan cbus.Delivery)

	if !c.polling {
		c.polling = true
		c.wg.Add(1)

		go c.poll()
	}

	return q.out, nil
}

func (c *Channel) poll() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if c.ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(t string, _ int32, err error) {
			if c.onError != nil && !errors.Is(err, context.Canceled) {
				c.onError(t, err)
			}
		})

		stopped := false

		fetches.EachRecord(func(r *kgo.Record) {
			if !stopped && !c.route(r) {
				stopped = true
			}
		})

		if stopped {
			return
		}
	}
}

// route hands r to every consuming queue bound to its topic. It reports false once the channel is closing.
func (c *Channel) route(r *kgo.Record) bool {
	type target struct {
		out chan cbus.Delivery
		key string
	}

	c.mu.Lock()

	var targets []target

	for _, q := range c.queues {
		bd, ok := q.bindings[r.Topic]
		if !ok || q.out == nil || r.Timestamp.Before(bd.since.Add(-ClockSkew)) {
			continue
		}

		targets = append(targets, target{out: q.out, key: bd.key})
	}
	c.mu.Unlock()

	for _, tg := range targets {
		select {
		case tg.out <- toDelivery(tg.key, r):
		case <-c.ctx.Done():
			return false
		}
	}

	return true
}

func toDelivery(routingKey string, r *kgo.Record) cbus.Delivery {
	d := cbus.Delivery{RoutingKey: routingKey, Body: r.Value}
	if len(r.Headers) == 0 {
		return d
	}

	d.Headers = make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		d.Headers[h.Key] = string(h.Value)
	}

	d.ContentType = d.Headers[headerContentType]

	return d
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Timestamp stays zero so the client stamps the produce time that bindings filter on.
	rec := &kgo.Record{Topic: topic(exchange, routingKey), Key: []byte(routingKey), Value: msg.Body}

	rec.Headers = make([]kgo.RecordHeader, 0, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if msg.ContentType != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: headerContentType, Value: []byte(msg.ContentType)})
	}

	if msg.ID != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: headerMessageID, Value: []byte(msg.ID)})
	}

	if !msg.Timestamp.IsZero() {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{
			Key:   headerEventTime,
			Value: []byte(msg.Timestamp.UTC().Format(time.RFC3339Nano)),
		})
	}

	return c.client.ProduceSync(ctx, rec).FirstErr()
}

// Close stops the fetch loop, purges bound topics and closes delivery channels. Safe to repeat.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true

	topics := make([]string, 0, len(c.refs))
	for t := range c.refs {
		topics = append(topics, t)
	}

	c.refs = nil
	c.mu.Unlock()

	if len(topics) > 0 {
		c.client.PurgeTopicsFromConsuming(topics...)
	}

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for _, q := range c.queues {
		if q.out != nil {
			close(q.out)
		}
	}

	c.queues = nil
	c.mu.Unlock()

	return nil
}
