/*
Package rabbitmq provides a RabbitMQ broker for the event bus.
It maps the bus routing model one to one onto AMQP: a direct exchange, a server-named
exclusive auto-delete queue per bus, queue bindings keyed by event type name and
auto-acknowledged push consumption.
*/
package rabbitmq
