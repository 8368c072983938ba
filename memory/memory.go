// Package memory wires an event bus to an in-process broker for tests and local runs.
package memory

import (
	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	"github.com/next-trace/scg-event-bus/eventbus"
)

// New constructs an event bus backed by a fresh in-memory broker. It returns the
// broker for inspection and a cleanup function that closes the bus.
func New(opts ...eventbus.Option) (*eventbus.Bus, *inmemory.Broker, func()) {
	broker := inmemory.New()
	b := eventbus.New(broker, opts...)
	cleanup := func() { _ = b.Close() }

	return b, broker, cleanup
}
