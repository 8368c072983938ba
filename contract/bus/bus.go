package bus

import "context"

// EventBus is a minimal, tech-agnostic interface over the broker-backed event bus.
//
// Typed helpers remain available via generic helper functions in the eventbus package.
// This interface is intended for consumers that want to depend only on contracts.
type EventBus interface {
	EventPublisher

	// Untyped subscriptions; sample is a zero value of the event type.
	SubscribeOf(sample IntegrationEvent, handler func(ctx context.Context, e IntegrationEvent) error) error
	UnsubscribeOf(sample IntegrationEvent, handler func(ctx context.Context, e IntegrationEvent) error) error

	// Lifecycle
	Close() error
}
