package interceptors

import (
	"context"

	"github.com/glimte/mmate-rr/messaging"
)

// ShortCircuitEvaluator may answer a request without the rest of the chain
type ShortCircuitEvaluator interface {
	// Answer returns the reply and true to skip the rest of the chain
	Answer(ctx context.Context, req messaging.Request) ([]byte, bool, error)
}

// ShortCircuitFunc is a function adapter for ShortCircuitEvaluator
type ShortCircuitFunc func(ctx context.Context, req messaging.Request) ([]byte, bool, error)

// Answer implements ShortCircuitEvaluator
func (f ShortCircuitFunc) Answer(ctx context.Context, req messaging.Request) ([]byte, bool, error) {
	return f(ctx, req)
}

// ShortCircuitInterceptor replies directly when its evaluator answers
type ShortCircuitInterceptor struct {
	evaluator ShortCircuitEvaluator
}

// NewShortCircuitInterceptor creates a short-circuit interceptor
func NewShortCircuitInterceptor(evaluator ShortCircuitEvaluator) *ShortCircuitInterceptor {
	return &ShortCircuitInterceptor{evaluator: evaluator}
}

// Intercept implements Interceptor
func (i *ShortCircuitInterceptor) Intercept(ctx context.Context, req messaging.Request, next messaging.Responder) ([]byte, error) {
	payload, answered, err := i.evaluator.Answer(ctx, req)
	if err != nil {
		return nil, err
	}
	if answered {
		return payload, nil
	}
	return next(ctx, req)
}

// Name implements Interceptor
func (i *ShortCircuitInterceptor) Name() string {
	return "ShortCircuitInterceptor"
}

// NewStaticReplyInterceptor answers requests whose payload equals one of the
// keys of replies with the mapped reply
func NewStaticReplyInterceptor(replies map[string][]byte) *ShortCircuitInterceptor {
	copied := make(map[string][]byte, len(replies))
	for k, v := range replies {
		copied[k] = v
	}
	return NewShortCircuitInterceptor(ShortCircuitFunc(func(_ context.Context, req messaging.Request) ([]byte, bool, error) {
		reply, ok := copied[string(req.Payload)]
		return reply, ok, nil
	}))
}
