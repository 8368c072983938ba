/*
Package eventbus provides a broker-backed integration event bus.
It keeps a registry of handlers per event type, binds a per-bus queue to a shared
direct exchange using the event type name as routing key, decodes deliveries and
invokes every handler registered for their type. Transports are injected as a
bus.Broker (RabbitMQ, NATS, Kafka or in-memory).
*/
package eventbus
