package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Broker errors
	ErrBrokerUnavailable      = errors.New("messaging: broker unavailable")
	ErrDestinationNotFound    = errors.New("messaging: destination not found")
	ErrSessionCreationFailed  = errors.New("messaging: session creation failed")
	ErrResourceCreationFailed = errors.New("messaging: resource creation failed")
	ErrSendFailed             = errors.New("messaging: send failed")

	// Message errors
	ErrMalformedMessage = errors.New("messaging: malformed message")

	// Call and lifecycle errors
	ErrCallCancelled    = errors.New("messaging: call cancelled")
	ErrServerNotStopped = errors.New("messaging: reply server is not stopped")

	// Resource state errors, returned by transports
	ErrClosed        = errors.New("messaging: resource is closed")
	ErrNoDestination = errors.New("messaging: producer has no destination")
)

// BrokerError is the error surfaced by every broker interaction. Kind is one of
// the package sentinels; errors.Is matches both Kind and the underlying cause.
type BrokerError struct {
	Kind          error     // Sentinel classifying the failure
	Op            string    // Operation that failed
	Destination   string    // Destination involved, if any
	CorrelationID string    // Correlation id of the call, if any
	Err           error     // Underlying error
	Timestamp     time.Time // When the error occurred
}

func (e *BrokerError) Error() string {
	msg := e.Op + " failed"
	if e.Destination != "" {
		msg += " on " + e.Destination
	}
	if e.CorrelationID != "" {
		msg += fmt.Sprintf(" (correlationId=%s)", e.CorrelationID)
	}
	if e.Kind != nil {
		msg = e.Kind.Error() + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BrokerError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// newBrokerError builds a BrokerError, keeping an existing one intact so that a
// failure is classified once, where it happened.
func newBrokerError(kind error, op, destination string, err error) error {
	var be *BrokerError
	if errors.As(err, &be) {
		return err
	}
	return &BrokerError{
		Kind:        kind,
		Op:          op,
		Destination: destination,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// withCorrelation stamps a correlation id onto a BrokerError that lacks one.
func withCorrelation(err error, correlationID string) error {
	var be *BrokerError
	if errors.As(err, &be) && be.CorrelationID == "" {
		be.CorrelationID = correlationID
	}
	return err
}

// IsBrokerError reports whether err came from a broker interaction.
func IsBrokerError(err error) bool {
	var be *BrokerError
	return errors.As(err, &be)
}
