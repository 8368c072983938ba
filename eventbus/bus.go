package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Bus is a broker-backed integration event bus.
//
// Subscribe, Unsubscribe, first-connection setup, teardown and dispatch lookups are
// serialized by a single mutex. Handlers run outside that lock on the consumer goroutine,
// so they may subscribe, unsubscribe or publish. Bus is concurrency-safe and contains no global state.
type Bus struct {
	mu  sync.Mutex
	reg *registry

	// subscriber side, guarded by mu
	conn      cbus.Connection
	ch        cbus.Channel
	queue     string
	consumers sync.WaitGroup

	// publisher side, guarded by pubMu
	pubMu   sync.Mutex
	pubConn cbus.Connection
	pubCh   cbus.Channel

	closed atomic.Bool

	broker      cbus.Broker
	exchange    string
	codec       cbus.Codec
	logger      *slog.Logger
	observer    Observer
	propagator  cbus.HeaderPropagator
	concurrency int
	transient   bool
}

var _ cbus.EventBus = (*Bus)(nil)

// New constructs a Bus over the given broker. No connection is opened until the
// first subscription or publish.
func New(broker cbus.Broker, opts ...Option) *Bus {
	b := &Bus{
		reg:         newRegistry(),
		broker:      broker,
		exchange:    DefaultExchange,
		codec:       JSONCodec{},
		logger:      slog.New(slog.DiscardHandler),
		observer:    nopObserver{},
		concurrency: 1,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe registers h for events of type E. The first handler of a type binds
// the bus queue to the exchange under the type name, connecting if needed.
// Registering the same handler twice yields two invocations per message.
func Subscribe[E cbus.IntegrationEvent](b *Bus, h cbus.IntegrationEventHandler[E]) error {
	t := reflect.TypeFor[E]()
	call := func(ctx context.Context, v cbus.IntegrationEvent) error {
		e, ok := v.(E)
		if !ok {
			return fmt.Errorf("handle %T: %w", v, berr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, e)
	}

	return b.subscribe(t, h, call)
}

// Unsubscribe removes the first registration of h for type E. Unknown handlers
// and types are ignored.
//
// Function handlers are matched by code pointer, so two closures created by the same
// function literal are the same handler here and Unsubscribe may remove the other one.
// Use pointer handlers when registrations need distinct identity.
func Unsubscribe[E cbus.IntegrationEvent](b *Bus, h cbus.IntegrationEventHandler[E]) error {
	return b.unsubscribe(reflect.TypeFor[E](), h)
}

// SubscribeOf registers an untyped handler for the type of sample.
func (b *Bus) SubscribeOf(
	sample cbus.IntegrationEvent,
	handler func(ctx context.Context, e cbus.IntegrationEvent) error,
) error {
	return b.subscribe(reflect.TypeOf(sample), handler, handler)
}

// UnsubscribeOf removes a handler registered with SubscribeOf. Handlers match by
// code pointer, with the same closure caveat as Unsubscribe.
func (b *Bus) UnsubscribeOf(
	sample cbus.IntegrationEvent,
	handler func(ctx context.Context, e cbus.IntegrationEvent) error,
) error {
	return b.unsubscribe(reflect.TypeOf(sample), handler)
}

func (b *Bus) subscribe(t reflect.Type, key any, call func(context.Context, cbus.IntegrationEvent) error) error {
	if t == nil || t.Kind() == reflect.Interface {
		return fmt.Errorf("subscribe %v: concrete event type required: %w", t, berr.ErrHandlerTypeMismatch)
	}

	name := cbus.TypeName(t)
	sub := subscription{key: key, call: call}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return fmt.Errorf("subscribe %s: %w", name, berr.ErrBusClosed)
	}

	if et, ok := b.reg.typeOf(name); ok {
		if et.typ != t {
			return fmt.Errorf("subscribe %s: registered as %s, got %s: %w",
				name, et.typ, t, berr.ErrHandlerTypeMismatch)
		}

		b.reg.add(et, sub)

		return nil
	}

	if err := b.ensureBound(name); err != nil {
		if b.reg.empty() {
			if terr := b.teardown(); terr != nil {
				b.logger.Warn("eventbus teardown after failed subscribe", "err", terr)
			}
		}

		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	b.reg.add(b.descriptor(name, t), sub)
	b.logger.Debug("eventbus subscribed", "event", name, "queue", b.queue)

	return nil
}

func (b *Bus) unsubscribe(t reflect.Type, key any) error {
	if t == nil {
		return nil
	}

	name := cbus.TypeName(t)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed, last := b.reg.remove(name, key)
	if !removed || !last {
		return nil
	}

	var errs []error

	if err := b.unbind(name); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe %s: %w", name, err))
	}

	b.logger.Debug("eventbus unsubscribed", "event", name)

	if b.reg.empty() {
		if err := b.teardown(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s teardown: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// HasSubscriptionsForEvent reports whether any handler is registered under name.
func (b *Bus) HasSubscriptionsForEvent(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.reg.count(name) > 0
}

// IsEmpty reports whether no handler is registered at all.
func (b *Bus) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.reg.empty()
}

// QueueName returns the broker-assigned queue name, or "" while unbound.
func (b *Bus) QueueName() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.queue
}

// Close drops every subscription, releases both broker connections and waits for
// in-flight dispatches to finish. It must not be called from inside a handler.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return nil
	}

	b.reg = newRegistry()
	subErr := b.teardown()
	b.mu.Unlock()

	b.pubMu.Lock()
	pubErr := b.closePublisher()
	b.pubMu.Unlock()

	b.consumers.Wait()
	b.logger.Info("eventbus closed", "exchange", b.exchange)

	return errors.Join(subErr, pubErr)
}

// descriptor builds the decoder for t. Pointer types decode into a fresh value.
func (b *Bus) descriptor(name string, t reflect.Type) eventType {
	codec := b.codec

	return eventType{
		name: name,
		typ:  t,
		decode: func(body []byte) (cbus.IntegrationEvent, error) {
			var out any

			if t.Kind() == reflect.Ptr {
				v := reflect.New(t.Elem())
				if err := codec.Unmarshal(body, v.Interface()); err != nil {
					return nil, err
				}

				out = v.Interface()
			} else {
				v := reflect.New(t)
				if err := codec.Unmarshal(body, v.Interface()); err != nil {
					return nil, err
				}

				out = v.Elem().Interface()
			}

			e, ok := out.(cbus.IntegrationEvent)
			if !ok {
				return nil, fmt.Errorf("decode %s: %w", name, berr.ErrHandlerTypeMismatch)
			}

			return e, nil
		},
	}
}
