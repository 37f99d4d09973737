package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is matched by every *OpenError
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// OpenError is returned for an attempt the breaker did not let through
type OpenError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: trial attempt already in flight", e.Name)
	}
	retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
	return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry in %v)",
		e.Name, e.Failures, e.FailureThreshold, retryIn)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
