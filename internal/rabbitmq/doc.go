// Package rabbitmq wraps amqp091-go for the AMQP transport.
//
// This package includes:
//   - Connector: dials a broker with a timeout and a client connection name
//   - Publisher: publishes on a channel with optional publisher confirms
//   - Subscription: consumes a queue on its own goroutine with manual or
//     automatic acknowledgement
//   - DeclareQueue and DeleteQueue: durable and temporary queue topology
//
// Channel and Connection are narrow interfaces over the amqp091-go types so
// that callers can be tested without a broker.
package rabbitmq
