package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Publish serializes evt and publishes it to the shared exchange with the event
// type name as routing key. It does not need any live subscription.
func (b *Bus) Publish(ctx context.Context, evt cbus.IntegrationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if evt == nil || isNilPointer(evt) {
		return fmt.Errorf("publish <nil>: %w", berr.ErrPublishFailed)
	}

	name := cbus.EventName(evt)

	if b.closed.Load() {
		return fmt.Errorf("publish %s: %w", name, berr.ErrBusClosed)
	}

	body, err := b.codec.Marshal(evt)
	if err != nil {
		err = fmt.Errorf("publish %s serialize: %w", name, errors.Join(berr.ErrSerializationFailed, err))
		b.observer.Published(name, err)

		return err
	}

	headers := make(map[string]string, 4)
	if b.propagator != nil {
		b.propagator.Inject(ctx, headers)
	}

	msg := cbus.Message{
		ID:          evt.EventID().String(),
		ContentType: b.codec.ContentType(),
		Timestamp:   evt.EventCreatedAt(),
		Headers:     headers,
		Body:        body,
	}

	if b.transient {
		err = b.publishTransient(ctx, name, msg)
	} else {
		err = b.publishShared(ctx, name, msg)
	}

	b.observer.Published(name, err)

	return err
}

// publishShared reuses one long-lived publisher connection. A failed publish drops it so
// the next call redials; nothing is retried here.
func (b *Bus) publishShared(ctx context.Context, name string, msg cbus.Message) error {
	b.pubMu.Lock()
	if b.closed.Load() {
		b.pubMu.Unlock()
		return fmt.Errorf("publish %s: %w", name, berr.ErrBusClosed)
	}

	if b.pubCh == nil {
		conn, ch, err := b.openPublisher(ctx)
		if err != nil {
			b.pubMu.Unlock()
			return fmt.Errorf("publish %s: %w", name, err)
		}

		b.pubConn, b.pubCh = conn, ch
	}

	ch := b.pubCh
	b.pubMu.Unlock()

	if err := ch.Publish(ctx, b.exchange, name, msg); err != nil {
		b.pubMu.Lock()
		if b.pubCh == ch {
			if cerr := b.closePublisher(); cerr != nil {
				b.logger.Warn("eventbus closing failed publisher", "err", cerr)
			}
		}
		b.pubMu.Unlock()

		return wrapPublishErr(name, err)
	}

	return nil
}

// publishTransient dials a dedicated connection for this call only.
func (b *Bus) publishTransient(ctx context.Context, name string, msg cbus.Message) error {
	conn, ch, err := b.openPublisher(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}

	defer func() {
		_ = ch.Close()
		_ = conn.Close()
	}()

	if err := ch.Publish(ctx, b.exchange, name, msg); err != nil {
		return wrapPublishErr(name, err)
	}

	return nil
}

func (b *Bus) openPublisher(ctx context.Context) (cbus.Connection, cbus.Channel, error) {
	conn, err := b.broker.Dial(ctx)
	if err != nil {
		return nil, nil, errors.Join(berr.ErrConnectionFailed, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Join(berr.ErrConnectionFailed, err)
	}

	if err := ch.DeclareExchange(b.exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, errors.Join(berr.ErrConnectionFailed, err)
	}

	return conn, ch, nil
}

// closePublisher releases the long-lived publisher connection. Callers must hold b.pubMu.
func (b *Bus) closePublisher() error {
	var errs []error

	if b.pubCh != nil {
		if err := b.pubCh.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if b.pubConn != nil {
		if err := b.pubConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	b.pubCh, b.pubConn = nil, nil

	return errors.Join(errs...)
}

func wrapPublishErr(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("publish %s: %w", name, errors.Join(berr.ErrPublishFailed, err))
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}
