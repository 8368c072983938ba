// Package metrics exposes event bus activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/next-trace/scg-event-bus/eventbus"
)

const namespace = "eventbus"

// Collector implements eventbus.Observer with Prometheus vectors labelled by event name.
type Collector struct {
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

var _ eventbus.Observer = (*Collector)(nil)

// NewCollector creates the collector and registers its vectors with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Events accepted by the broker.",
		}, []string{"event"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Publish calls that returned an error.",
		}, []string{"event"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_total",
			Help:      "Messages decoded and handed to handlers.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Messages dropped because no handler is registered for their routing key.",
		}, []string{"routing_key"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked.",
		}, []string{"event"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
	}

	for _, col := range []prometheus.Collector{
		c.published, c.publishFailures, c.delivered, c.dropped, c.handlerFailures, c.handlerDuration,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Collector) Published(event string, err error) {
	if err != nil {
		c.publishFailures.WithLabelValues(event).Inc()
		return
	}

	c.published.WithLabelValues(event).Inc()
}

func (c *Collector) Delivered(event string) { c.delivered.WithLabelValues(event).Inc() }

func (c *Collector) Dropped(routingKey string) { c.dropped.WithLabelValues(routingKey).Inc() }

func (c *Collector) HandlerDone(event string, elapsed time.Duration, err error) {
	c.handlerDuration.WithLabelValues(event).Observe(elapsed.Seconds())

	if err != nil {
		c.handlerFailures.WithLabelValues(event).Inc()
	}
}
