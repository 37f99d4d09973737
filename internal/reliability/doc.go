// Package reliability guards broker access with a circuit breaker.
//
// The breaker fails fast while the broker is known to be down instead of
// letting every call wait for a connect timeout. It does not retry.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return dial()
//	})
package reliability
