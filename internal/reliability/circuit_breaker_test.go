package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDial = errors.New("dial tcp: connection refused")

func fail() error    { return errDial }
func succeed() error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed and runs the function", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())

		executed := false
		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after the failure threshold and rejects without calling", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errDial)
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func() error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "broker", openErr.Name)
		assert.Equal(t, 3, openErr.Failures)
	})

	t.Run("success in closed state resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 1, cb.Metrics().CurrentFailures)
	})

	t.Run("half-open after the timeout, closed again on success", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Second),
			WithClock(clock.Now),
		)

		_ = cb.Execute(ctx, fail)
		require.Equal(t, StateOpen, cb.State())

		clock.Advance(500 * time.Millisecond)
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)

		clock.Advance(600 * time.Millisecond)
		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failure while half-open reopens", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Second),
			WithClock(clock.Now),
		)

		_ = cb.Execute(ctx, fail)
		clock.Advance(2 * time.Second)

		assert.ErrorIs(t, cb.Execute(ctx, fail), errDial)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
	})

	t.Run("half-open admits a single trial at a time", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Second),
			WithClock(clock.Now),
		)
		_ = cb.Execute(ctx, fail)
		clock.Advance(2 * time.Second)

		inTrial := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(ctx, func() error {
				close(inTrial)
				<-release
				return nil
			})
		}()

		<-inTrial
		err := cb.Execute(ctx, succeed)
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, StateHalfOpen, openErr.State)

		close(release)
		assert.NoError(t, <-done)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("classifier decides what counts", func(t *testing.T) {
		errBadInput := errors.New("bad input")
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithFailureClassifier(func(err error) bool { return !errors.Is(err, errBadInput) }),
		)

		assert.ErrorIs(t, cb.Execute(ctx, func() error { return errBadInput }), errBadInput)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("cancelled context neither runs nor counts", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, cb.Execute(cancelled, fail), context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
		assert.Zero(t, cb.Metrics().TotalRequests)
	})

	t.Run("reports state changes", func(t *testing.T) {
		var mu sync.Mutex
		var transitions []string
		cb := NewCircuitBreaker(
			WithName("rabbitmq"),
			WithFailureThreshold(1),
			WithStateChange(func(name string, from, to State, reason string) {
				mu.Lock()
				defer mu.Unlock()
				transitions = append(transitions, name+":"+from.String()+"->"+to.String())
			}),
		)

		_ = cb.Execute(ctx, fail)
		cb.Reset()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"rabbitmq:closed->open", "rabbitmq:open->closed"}, transitions)
	})

	t.Run("metrics", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)

		m := cb.Metrics()
		assert.Equal(t, "broker", m.Name)
		assert.Equal(t, "open", m.State)
		assert.Equal(t, int64(3), m.TotalRequests)
		assert.Equal(t, int64(1), m.TotalFailures)
		assert.Equal(t, int64(1), m.TotalRejected)
		assert.False(t, m.LastFailureTime.IsZero())
	})
}

func TestCircuitBreakerOptions(t *testing.T) {
	t.Run("uses defaults when no options", func(t *testing.T) {
		cb := NewCircuitBreaker()

		assert.Equal(t, 5, cb.failureThreshold)
		assert.Equal(t, 1, cb.successThreshold)
		assert.Equal(t, 30*time.Second, cb.timeout)
		assert.Equal(t, 1, cb.halfOpenRequests)
		assert.Equal(t, "broker", cb.Name())
	})

	t.Run("applies options", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(10),
			WithSuccessThreshold(5),
			WithTimeout(time.Minute),
			WithHalfOpenRequests(2),
		)

		assert.Equal(t, 10, cb.failureThreshold)
		assert.Equal(t, 5, cb.successThreshold)
		assert.Equal(t, time.Minute, cb.timeout)
		assert.Equal(t, 2, cb.halfOpenRequests)
	})
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}
