// Package interceptors wraps a reply server Responder with cross-cutting
// behaviour.
//
// An interceptor sees every request before the responder does and may
// change the context, reject the request or answer it itself. Interceptors
// run in the order they were added, the responder last.
//
// Example usage:
//
//	responder := interceptors.NewChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewPayloadLimitInterceptor(64 << 10)).
//		Add(interceptors.NewTimeoutInterceptor(5 * time.Second)).
//		Then(messaging.DefaultResponder)
//
//	server, err := messaging.NewReplyServer(resources, messaging.WithResponder(responder))
//
// A request rejected by an interceptor gets no reply, the same as a
// responder error.
package interceptors
