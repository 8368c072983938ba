package bus

import "context"

// EventPublisher abstracts publishing integration events to a broker.
type EventPublisher interface {
	Publish(ctx context.Context, evt IntegrationEvent) error
}
