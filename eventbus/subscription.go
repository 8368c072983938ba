package eventbus

import (
	"context"
	"errors"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// ensureBound binds the bus queue to the exchange under name. Callers must hold b.mu.
func (b *Bus) ensureBound(name string) error {
	ch, err := b.channel(context.Background())
	if err != nil {
		return err
	}

	if err := ch.BindQueue(b.queue, b.exchange, name); err != nil {
		return errors.Join(berr.ErrSubscribeFailed, err)
	}

	return nil
}

// unbind removes the route for name. Callers must hold b.mu.
func (b *Bus) unbind(name string) error {
	if b.ch == nil {
		return nil
	}

	return b.ch.UnbindQueue(b.queue, b.exchange, name)
}
