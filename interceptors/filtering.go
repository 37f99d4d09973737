package interceptors

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/mmate-rr/messaging"
)

// ErrRequestRejected is returned when a filter drops a request
var ErrRequestRejected = errors.New("request rejected")

// RequestFilter decides whether a request reaches the responder
type RequestFilter interface {
	Allow(ctx context.Context, req messaging.Request) (bool, error)
}

// RequestFilterFunc is a function adapter for RequestFilter
type RequestFilterFunc func(ctx context.Context, req messaging.Request) (bool, error)

// Allow implements RequestFilter
func (f RequestFilterFunc) Allow(ctx context.Context, req messaging.Request) (bool, error) {
	return f(ctx, req)
}

// FilteringInterceptor rejects requests its filter does not allow
type FilteringInterceptor struct {
	name   string
	filter RequestFilter
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(name string, filter RequestFilter) *FilteringInterceptor {
	if name == "" {
		name = "FilteringInterceptor"
	}
	return &FilteringInterceptor{name: name, filter: filter}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, req messaging.Request, next messaging.Responder) ([]byte, error) {
	ok, err := i.filter.Allow(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", i.name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w by %s: correlationId=%s", ErrRequestRejected, i.name, req.CorrelationID)
	}
	return next(ctx, req)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return i.name
}

// NewPayloadLimitInterceptor rejects request payloads larger than maxBytes
func NewPayloadLimitInterceptor(maxBytes int) *FilteringInterceptor {
	return NewFilteringInterceptor("PayloadLimitInterceptor", RequestFilterFunc(func(_ context.Context, req messaging.Request) (bool, error) {
		return len(req.Payload) <= maxBytes, nil
	}))
}

// NewQueueFilterInterceptor only admits requests that arrived on one of queues
func NewQueueFilterInterceptor(queues ...string) *FilteringInterceptor {
	allowed := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		allowed[q] = struct{}{}
	}
	return NewFilteringInterceptor("QueueFilterInterceptor", RequestFilterFunc(func(_ context.Context, req messaging.Request) (bool, error) {
		_, ok := allowed[req.RequestQueue]
		return ok, nil
	}))
}
