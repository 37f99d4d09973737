package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rr/messaging"
)

// ErrHandlerTimeout is returned when the responder does not finish in time
var ErrHandlerTimeout = errors.New("responder timed out")

// Interceptor processes a request before it reaches the responder
type Interceptor interface {
	// Intercept handles req, usually by calling next
	Intercept(ctx context.Context, req messaging.Request, next messaging.Responder) ([]byte, error)

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req messaging.Request, next messaging.Responder) ([]byte, error)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req messaging.Request, next messaging.Responder) ([]byte, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req messaging.Request, next messaging.Responder) ([]byte, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain holds interceptors in the order they run
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends interceptors to the chain; nil entries are skipped
func (c *Chain) Add(interceptors ...Interceptor) *Chain {
	for _, i := range interceptors {
		if i != nil {
			c.interceptors = append(c.interceptors, i)
		}
	}
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Names returns the interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then returns a responder running the chain in front of final
func (c *Chain) Then(final messaging.Responder) messaging.Responder {
	if final == nil {
		final = messaging.DefaultResponder
	}
	if len(c.interceptors) == 0 {
		return final
	}

	c.logger.Debug("built responder chain", "interceptors", c.Names())

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, req messaging.Request) ([]byte, error) {
			return interceptor.Intercept(ctx, req, next)
		}
	}
	return handler
}

// LoggingInterceptor logs each request with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req messaging.Request, next messaging.Responder) ([]byte, error) {
	start := time.Now()

	payload, err := next(ctx, req)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("request handling failed",
			"correlationId", req.CorrelationID,
			"requestQueue", req.RequestQueue,
			"duration", duration,
			"error", err,
		)
		return nil, err
	}

	i.logger.Info("request handled",
		"correlationId", req.CorrelationID,
		"requestQueue", req.RequestQueue,
		"requestBytes", len(req.Payload),
		"replyBytes", len(payload),
		"duration", duration,
	)
	return payload, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long the rest of the chain may run
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type handlerResult struct {
	payload []byte
	err     error
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, req messaging.Request, next messaging.Responder) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		payload, err := next(timeoutCtx, req)
		done <- handlerResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		return res.payload, res.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %v for request %s", ErrHandlerTimeout, i.timeout, req.CorrelationID)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor turns a responder panic into an error
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, req messaging.Request, next messaging.Responder) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("responder panicked",
				"correlationId", req.CorrelationID,
				"panic", r,
			)
			payload, err = nil, fmt.Errorf("responder panicked: %v", r)
		}
	}()
	return next(ctx, req)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}
