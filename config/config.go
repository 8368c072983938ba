// Package config loads event bus settings from EVENTBUS_* environment variables
// and opens a bus over the selected transport.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	"github.com/next-trace/scg-event-bus/adapters/kafka"
	"github.com/next-trace/scg-event-bus/adapters/nats"
	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/eventbus"
)

// Prefix is prepended to every variable name, e.g. EVENTBUS_TRANSPORT.
const Prefix = "EVENTBUS"

const (
	TransportRabbitMQ = "rabbitmq"
	TransportNATS     = "nats"
	TransportKafka    = "kafka"
	TransportInMemory = "inmemory"
)

// Config holds the bus settings.
type Config struct {
	// Transport selects the broker: rabbitmq, nats, kafka or inmemory.
	Transport string `envconfig:"TRANSPORT" default:"rabbitmq"`

	// BrokerURL is the AMQP or NATS URL, or a comma-separated Kafka seed list.
	BrokerURL string `envconfig:"BROKER_URL"`

	Exchange string `envconfig:"EXCHANGE" default:"event_bus"`

	ConnTimeout time.Duration `envconfig:"CONN_TIMEOUT" default:"10s"`

	// Concurrency bounds how many handlers of one message run at once. 1 keeps them sequential.
	Concurrency int `envconfig:"CONCURRENCY" default:"1"`

	// TransientPublish dials a fresh connection per Publish.
	TransientPublish bool `envconfig:"TRANSIENT_PUBLISH"`

	// Name identifies this client to the broker where supported.
	Name string `envconfig:"NAME" default:"scg-event-bus"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads Config from the environment and validates it.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate reports ErrInvalidConfig for unknown transports, missing URLs and negative limits.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportRabbitMQ, TransportNATS, TransportKafka:
		if c.BrokerURL == "" {
			return fmt.Errorf("%w: %s requires %s_BROKER_URL", berr.ErrInvalidConfig, c.Transport, Prefix)
		}
	case TransportInMemory:
	default:
		return fmt.Errorf("%w: unknown transport %q", berr.ErrInvalidConfig, c.Transport)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", berr.ErrInvalidConfig, c.Concurrency)
	}

	if c.ConnTimeout < 0 {
		return fmt.Errorf("%w: negative connection timeout", berr.ErrInvalidConfig)
	}

	return nil
}

// SlogLevel converts LogLevel to a slog.Level. Unknown values default to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Broker builds the broker for the configured transport without connecting.
func (c *Config) Broker() (cbus.Broker, error) { //nolint:ireturn
	switch c.Transport {
	case TransportRabbitMQ:
		b, err := rabbitmq.New(rabbitmq.Config{URL: c.BrokerURL, ConnTimeout: c.ConnTimeout, Product: c.Name})
		if err != nil {
			return nil, err
		}

		return b, nil
	case TransportNATS:
		b, err := nats.New(nats.Config{URL: c.BrokerURL, Name: c.Name, ConnTimeout: c.ConnTimeout})
		if err != nil {
			return nil, err
		}

		return b, nil
	case TransportKafka:
		b, err := kafka.New(kafka.Config{Brokers: splitList(c.BrokerURL), ClientID: c.Name, DialTimeout: c.ConnTimeout})
		if err != nil {
			return nil, err
		}

		return b, nil
	case TransportInMemory:
		return inmemory.New(), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", berr.ErrInvalidConfig, c.Transport)
	}
}

// Options translates the settings into bus options.
func (c *Config) Options() []eventbus.Option {
	opts := []eventbus.Option{
		eventbus.WithExchange(c.Exchange),
		eventbus.WithConcurrency(c.Concurrency),
	}
	if c.TransientPublish {
		opts = append(opts, eventbus.WithTransientPublish())
	}

	return opts
}

// Open validates cfg and returns a bus over its transport. Extra opts apply after the configured ones.
func Open(cfg *Config, opts ...eventbus.Option) (*eventbus.Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	broker, err := cfg.Broker()
	if err != nil {
		return nil, err
	}

	return eventbus.New(broker, append(cfg.Options(), opts...)...), nil
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}

	return out
}
