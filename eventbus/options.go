package eventbus

import (
	"log/slog"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// DefaultExchange is the direct exchange shared by all event types of a bus.
const DefaultExchange = "event_bus"

// Option configures a Bus instance.
type Option func(*Bus)

// WithExchange overrides the shared exchange name. Empty names are ignored.
func WithExchange(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.exchange = name
		}
	}
}

// WithLogger sets the structured logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithCodec replaces the default JSON codec.
func WithCodec(c cbus.Codec) Option {
	return func(b *Bus) {
		if c != nil {
			b.codec = c
		}
	}
}

// WithObserver registers lifecycle hooks, e.g. a metrics.Collector.
func WithObserver(o Observer) Option {
	return func(b *Bus) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithPropagator injects tracing headers into every published message.
func WithPropagator(p cbus.HeaderPropagator) Option {
	return func(b *Bus) { b.propagator = p }
}

// WithConcurrency lets up to n handlers of the same message run at once.
// Values below 2 keep strictly sequential delivery in registration order.
func WithConcurrency(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithTransientPublish makes every Publish dial, publish and close its own connection
// instead of reusing a long-lived publisher connection.
func WithTransientPublish() Option {
	return func(b *Bus) { b.transient = true }
}
