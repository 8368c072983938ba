package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Concrete NATS connection-backed Client and broker.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Subscribe(subject string, deliver func(*nats.Msg)) (Unsubscriber, error) {
	return c.nc.Subscribe(subject, deliver)
}

func (c natsClient) PublishMsg(m *nats.Msg) error { return c.nc.PublishMsg(m) }

func (c natsClient) Flush() error { return c.nc.Flush() }

func (c natsClient) Close() {
	if c.nc != nil && !c.nc.IsClosed() {
		_ = c.nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
		c.nc.Close()
	}
}

// Broker dials NATS. Every Dial opens a new NATS connection.
type Broker struct {
	cfg Config
}

var _ cbus.Broker = (*Broker)(nil)

// New validates cfg and returns a Broker. No connection is made until Dial.
func New(cfg Config) (*Broker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", berr.ErrInvalidConfig)
	}

	return &Broker{cfg: cfg}, nil
}

func (b *Broker) options(ctx context.Context) []nats.Option {
	opts := []nats.Option{}
	if b.cfg.Name != "" {
		opts = append(opts, nats.Name(b.cfg.Name))
	}

	timeout := b.cfg.ConnTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout <= 0 || left < timeout {
			timeout = left
		}
	}

	if timeout > 0 {
		opts = append(opts, nats.Timeout(timeout))
	}

	if b.cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(b.cfg.MaxReconnects))
	}

	return opts
}

func (b *Broker) Dial(ctx context.Context) (cbus.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(b.cfg.URL, b.options(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return NewConnection(natsClient{nc: nc}), nil
}
