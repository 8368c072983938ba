package eventbus

import (
	"context"
	"errors"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// channel returns the subscriber channel, connecting on first use: dial, open a channel,
// declare the exchange, declare the queue if unnamed and start consuming it.
// Callers must hold b.mu.
func (b *Bus) channel(ctx context.Context) (cbus.Channel, error) {
	if b.ch != nil {
		return b.ch, nil
	}

	conn, err := b.broker.Dial(ctx)
	if err != nil {
		return nil, errors.Join(berr.ErrConnectionFailed, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Join(berr.ErrConnectionFailed, err)
	}

	abort := func(err error) (cbus.Channel, error) {
		_ = ch.Close()
		_ = conn.Close()

		return nil, errors.Join(berr.ErrConnectionFailed, err)
	}

	if err := ch.DeclareExchange(b.exchange); err != nil {
		return abort(err)
	}

	queue := b.queue
	if queue == "" {
		if queue, err = ch.DeclareQueue(); err != nil {
			return abort(err)
		}
	}

	deliveries, err := ch.Consume(queue)
	if err != nil {
		return abort(err)
	}

	b.conn, b.ch, b.queue = conn, ch, queue

	b.consumers.Add(1)
	go b.consume(deliveries)

	b.logger.Info("eventbus connected", "exchange", b.exchange, "queue", queue)

	return ch, nil
}

// teardown closes the subscriber channel and connection and forgets the queue name.
// Safe to call when already torn down. Callers must hold b.mu.
func (b *Bus) teardown() error {
	if b.ch == nil && b.conn == nil {
		b.queue = ""
		return nil
	}

	var errs []error

	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	b.logger.Info("eventbus disconnected", "exchange", b.exchange, "queue", b.queue)
	b.ch, b.conn, b.queue = nil, nil, ""

	return errors.Join(errs...)
}

// consume runs until the delivery channel closes, which happens when the
// subscriber channel is torn down.
func (b *Bus) consume(deliveries <-chan cbus.Delivery) {
	defer b.consumers.Done()

	ctx := context.Background()

	for d := range deliveries {
		if err := b.dispatch(ctx, d); err != nil {
			b.logger.Error("eventbus dispatch failed", "routing_key", d.RoutingKey, "err", err)
		}
	}
}
