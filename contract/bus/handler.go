package bus

import "context"

// IntegrationEventHandler handles integration events of type E.
// Handlers run on the bus delivery goroutine; a slow handler delays the next one.
type IntegrationEventHandler[E IntegrationEvent] interface {
	Handle(ctx context.Context, e E) error
}

// HandlerFunc adapts a plain function to IntegrationEventHandler.
// Buses identify a HandlerFunc by its code pointer: closures made by one function
// literal are indistinguishable on Unsubscribe. Give each registration its own
// pointer-typed handler when it must be removed individually.
type HandlerFunc[E IntegrationEvent] func(ctx context.Context, e E) error

func (f HandlerFunc[E]) Handle(ctx context.Context, e E) error { return f(ctx, e) }
