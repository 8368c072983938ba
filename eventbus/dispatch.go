package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// HeadersFromContext returns the broker headers of the delivery being handled, if any.
func HeadersFromContext(ctx context.Context) map[string]string {
	return cbus.HeadersFromContext(ctx)
}

// dispatch decodes d with the descriptor registered under its routing key and invokes
// every handler registered at lookup time. Messages without a descriptor are dropped.
// Handler failures are isolated; only a decode failure is returned.
func (b *Bus) dispatch(ctx context.Context, d cbus.Delivery) error {
	name := d.RoutingKey

	b.mu.Lock()
	et, subs, ok := b.reg.lookup(name)
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("eventbus dropped message without subscribers", "routing_key", name)
		b.observer.Dropped(name)

		return nil
	}

	evt, err := et.decode(d.Body)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", name, errors.Join(berr.ErrSerializationFailed, err))
	}

	b.observer.Delivered(name)

	if len(d.Headers) > 0 {
		ctx = cbus.ContextWithHeaders(ctx, d.Headers)
	}

	if b.concurrency < 2 || len(subs) < 2 {
		for _, s := range subs {
			b.invoke(ctx, name, s, evt)
		}

		return nil
	}

	var g errgroup.Group

	g.SetLimit(b.concurrency)

	for _, s := range subs {
		g.Go(func() error {
			b.invoke(ctx, name, s, evt)
			return nil
		})
	}

	return g.Wait()
}

func (b *Bus) invoke(ctx context.Context, name string, s subscription, evt cbus.IntegrationEvent) {
	start := time.Now()
	err := safeCall(ctx, s.call, evt)
	b.observer.HandlerDone(name, time.Since(start), err)

	if err != nil {
		b.logger.ErrorContext(ctx, "eventbus handler failed",
			"event", name, "id", evt.EventID().String(), "err", err)
	}
}

func safeCall(
	ctx context.Context,
	call func(context.Context, cbus.IntegrationEvent) error,
	evt cbus.IntegrationEvent,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return call(ctx, evt)
}
