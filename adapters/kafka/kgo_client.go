package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Concrete franz-go based broker.

type Config struct {
	Brokers  []string
	ClientID string
	TLS      *tls.Config

	// DialTimeout bounds the connectivity check in Dial. Zero leaves it to ctx.
	DialTimeout time.Duration

	// Acks overrides the producer ack level. Anything weaker than all-ISR requires DisableIdempotentWrite.
	Acks                   *kgo.Acks
	DisableIdempotentWrite bool
	Compression            []kgo.CompressionCodec

	// OnFetchError receives consume errors reported by the client. Optional.
	OnFetchError func(topic string, err error)
}

// Broker creates one franz-go client per Dial.
type Broker struct {
	cfg Config
}

var _ cbus.Broker = (*Broker)(nil)

// New validates cfg and returns a Broker. No client is created until Dial.
func New(cfg Config) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", berr.ErrInvalidConfig)
	}

	return &Broker{cfg: cfg}, nil
}

// options resets new partitions to the first record stamped at or after dialedAt
// (less ClockSkew), so the position no longer depends on when the end offset is looked up.
func (b *Broker) options(dialedAt time.Time) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AfterMilli(dialedAt.Add(-ClockSkew).UnixMilli())),
	}
	if b.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(b.cfg.ClientID))
	}

	if b.cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(b.cfg.TLS))
	}

	if b.cfg.DisableIdempotentWrite {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if b.cfg.Acks != nil {
		opts = append(opts, kgo.RequiredAcks(*b.cfg.Acks))
	}

	if len(b.cfg.Compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(b.cfg.Compression...))
	}

	return opts
}

// Dial creates a client and pings the cluster so unreachable seeds fail here rather than on first use.
func (b *Broker) Dial(ctx context.Context) (cbus.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cl, err := kgo.NewClient(b.options(time.Now())...)
	if err != nil {
		return nil, fmt.Errorf("kafka client init: %w", err)
	}

	pingCtx := ctx
	if b.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc

		pingCtx, cancel = context.WithTimeout(ctx, b.cfg.DialTimeout)
		defer cancel()
	}

	if err := cl.Ping(pingCtx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}

	return NewConnection(cl, b.cfg.OnFetchError), nil
}
