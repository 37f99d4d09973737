package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rr/internal/reliability"
	"github.com/glimte/mmate-rr/messaging"
	"github.com/glimte/mmate-rr/transports/memory"
)

func newResources(t *testing.T, broker *memory.Broker, opts ...messaging.ResourceManagerOption) *messaging.ResourceManager {
	t.Helper()
	opts = append(opts, messaging.WithConnectionFactory(broker.ConnectionFactory()))
	resources, err := messaging.NewResourceManager(nil, opts...)
	require.NoError(t, err)
	return resources
}

type fixedState messaging.ServerState

func (s fixedState) State() messaging.ServerState { return messaging.ServerState(s) }

func TestBrokerChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy broker releases everything it opened", func(t *testing.T) {
		broker := memory.NewBroker()
		result := NewBrokerChecker(newResources(t, broker), nil).Check(ctx)

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "broker", result.Name)
		assert.Equal(t, "memory", result.Details["provider"])
		assert.Zero(t, broker.Stats().Open())
	})

	tests := []struct {
		op      string
		message string
	}{
		{memory.OpConnect, "Failed to open connection"},
		{memory.OpCreateSession, "Failed to create session"},
		{memory.OpCreateTemp, "Failed to create temporary queue"},
	}
	for _, tt := range tests {
		t.Run("unhealthy when "+tt.op+" fails", func(t *testing.T) {
			broker := memory.NewBroker(memory.WithFailingOps(tt.op))
			result := NewBrokerChecker(newResources(t, broker), nil).Check(ctx)

			assert.Equal(t, StatusUnhealthy, result.Status)
			assert.Equal(t, tt.message, result.Message)
			assert.Contains(t, result.Error, tt.op)
			assert.Zero(t, broker.Stats().Open())
		})
	}

	t.Run("degraded when cleanup fails", func(t *testing.T) {
		broker := memory.NewBroker(memory.WithFailingOps(memory.OpDeleteTemp))
		result := NewBrokerChecker(newResources(t, broker), nil).Check(ctx)

		assert.Equal(t, StatusDegraded, result.Status)
		assert.NotEmpty(t, result.Error)
	})
}

func TestServerChecker(t *testing.T) {
	tests := []struct {
		state  messaging.ServerState
		status Status
	}{
		{messaging.StateRunning, StatusHealthy},
		{messaging.StateStarting, StatusDegraded},
		{messaging.StateStopping, StatusDegraded},
		{messaging.StateStopped, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			result := NewServerChecker(fixedState(tt.state)).Check(context.Background())
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, tt.state.String(), result.Details["state"])
		})
	}

	t.Run("real server", func(t *testing.T) {
		broker := memory.NewBroker()
		server, err := messaging.NewReplyServer(newResources(t, broker))
		require.NoError(t, err)
		checker := NewServerChecker(server)

		assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
		require.NoError(t, server.Start(context.Background()))
		assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
		require.NoError(t, server.Stop())
	})
}

func TestBreakerChecker(t *testing.T) {
	ctx := context.Background()
	cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1))
	checker := NewBreakerChecker(cb)
	assert.Equal(t, "circuit_broker", checker.Name())

	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	_ = cb.Execute(ctx, func() error { return errors.New("refused") })
	result := checker.Check(ctx)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "open", result.Details["state"])
}

func TestRegistry(t *testing.T) {
	t.Run("overall status is the worst check", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewComponentChecker("a", func(context.Context) (Status, string, error) {
			return StatusHealthy, "ok", nil
		}))
		r.Register(NewComponentChecker("b", func(context.Context) (Status, string, error) {
			return StatusDegraded, "slow", nil
		}))
		assert.Equal(t, []string{"a", "b"}, r.Names())

		report := r.Check(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Len(t, report.Checks, 2)

		r.Register(NewComponentChecker("c", func(context.Context) (Status, string, error) {
			return StatusUnhealthy, "down", errors.New("refused")
		}))
		report = r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "refused", report.Checks["c"].Error)
	})

	t.Run("checks still running at the deadline are unhealthy", func(t *testing.T) {
		r := NewRegistry()
		release := make(chan struct{})
		defer close(release)
		r.Register(NewComponentChecker("stuck", func(context.Context) (Status, string, error) {
			<-release
			return StatusHealthy, "", nil
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "Check timed out", report.Checks["stuck"].Message)
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.SetMetadata("service", "mmate-rr")
	status := StatusHealthy
	r.Register(NewComponentChecker("broker", func(context.Context) (Status, string, error) {
		return status, "", nil
	}))
	h := NewHandler(r, time.Second)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "mmate-rr", report.Metadata["service"])

	status = StatusUnhealthy
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
