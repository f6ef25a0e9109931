// Package rabbitmq provides the RabbitMQ building blocks wired by the rabbitkit container.
//
// This package includes:
//   - ConnectionFactory: builds eager, lazy or TLS connections from Parameters or an amqp:// URL
//   - Routing: idempotent declaration and administration of exchanges, queues and bindings
//   - Producer: serializes and publishes messages, optionally checking the exchange first
//   - Consumer: the blocking run-loop that subscribes to queues and dispatches deliveries
//   - Hooks and Logger: before/after notifications, structured and console output
//
// A Consumer is strictly serial: one process owns one connection and one channel,
// and deliveries from every subscribed queue are dispatched one at a time from the
// goroutine that called Consume. Stop and restart requests are cooperative and are
// acted on between deliveries, never in the middle of a handler.
package rabbitmq
