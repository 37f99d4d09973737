// Package messaging implements synchronous request/reply over an asynchronous
// message broker.
//
// The package is built from four parts:
//   - ResourceManager and Scope: open broker resources and release them in a
//     fixed order on every exit path
//   - Codec: builds request and reply messages and decodes inbound ones
//   - Client: sends a request with a temporary reply queue and waits a
//     bounded time for the correlated reply
//   - ReplyServer: consumes a well-known request queue and answers each
//     request on its reply-to destination
//
// Broker access goes through the ConnectionFactory, Connection and Session
// interfaces, implemented by transports/rabbitmq and transports/memory.
//
// Example usage:
//
//	resources, err := messaging.NewResourceManager(dir,
//		messaging.WithTransport("amqp", rabbitmq.Constructor()),
//	)
//	client, err := messaging.NewClient(resources)
//
//	result, err := client.Call(ctx, []byte("Hello, world"), 2*time.Second)
//	if err != nil {
//		return err
//	}
//	if result.Received() {
//		fmt.Printf("%s (received in %s)\n", result.Payload, result.Elapsed)
//	}
package messaging
