package mmate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rr/health"
	"github.com/glimte/mmate-rr/interceptors"
	"github.com/glimte/mmate-rr/internal/config"
	"github.com/glimte/mmate-rr/messaging"
	"github.com/glimte/mmate-rr/transports/memory"
)

func memoryConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
broker:
  url: memory://local
` + yaml))
	require.NoError(t, err)
	return cfg
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip through the in-process broker", func(t *testing.T) {
		broker := memory.NewBroker()
		client, err := NewClient(memoryConfig(t, `
server:
  enabled: true
`), WithMemoryBroker(broker))
		require.NoError(t, err)

		require.NoError(t, client.StartServer(ctx))
		assert.Equal(t, messaging.StateRunning, client.Server().State())

		result, err := client.Call(ctx, []byte("Hello, world"), 0)
		require.NoError(t, err)
		require.True(t, result.Received())
		assert.Contains(t, string(result.Payload), "Hello to you, too!")

		tracked, err := client.Tracker().GetRequest(result.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, messaging.RequestStatusReceived, tracked.Status)

		require.NoError(t, client.Close())
		assert.Equal(t, messaging.StateStopped, client.Server().State())
		assert.Zero(t, broker.Stats().Open())
	})

	t.Run("custom responder and directory bindings", func(t *testing.T) {
		client, err := NewClient(memoryConfig(t, `
directory:
  bindings:
    jms/ExampleQueue: example.requests
server:
  enabled: true
  concurrency: 2
`), WithResponder(func(_ context.Context, req messaging.Request) ([]byte, error) {
			return []byte(strings.ToUpper(string(req.Payload)) + " via " + req.RequestQueue), nil
		}))
		require.NoError(t, err)
		require.NoError(t, client.StartServer(ctx))
		defer client.Close()

		result, err := client.Call(ctx, []byte("ping"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "PING via example.requests", string(result.Payload))
	})

	t.Run("interceptors run in front of the responder", func(t *testing.T) {
		client, err := NewClient(memoryConfig(t, `
server:
  enabled: true
  maxPayloadBytes: 8
`), WithInterceptors(interceptors.NewStaticReplyInterceptor(map[string][]byte{
			"status": []byte("all good"),
		})))
		require.NoError(t, err)
		require.NoError(t, client.StartServer(ctx))
		defer client.Close()

		result, err := client.Call(ctx, []byte("status"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "all good", string(result.Payload))

		result, err = client.Call(ctx, []byte("far too large"), 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, messaging.OutcomeNoReply, result.Outcome)
	})

	t.Run("no server configured means no reply", func(t *testing.T) {
		client, err := NewClient(memoryConfig(t, ""))
		require.NoError(t, err)
		assert.Nil(t, client.Server())
		require.NoError(t, client.StartServer(ctx))

		result, err := client.Call(ctx, []byte("ping"), 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, messaging.OutcomeNoReply, result.Outcome)
		assert.NoError(t, client.Close())
	})

	t.Run("open breaker fails fast and reports unhealthy", func(t *testing.T) {
		broker := memory.NewBroker(memory.WithFailingOps(memory.OpConnect))
		client, err := NewClient(memoryConfig(t, `
breaker:
  enabled: true
  failureThreshold: 1
  timeout: 1m
`), WithMemoryBroker(broker))
		require.NoError(t, err)

		_, err = client.Call(ctx, []byte("ping"), 0)
		assert.ErrorIs(t, err, memory.ErrInjected)

		_, err = client.Call(ctx, []byte("ping"), 0)
		assert.ErrorIs(t, err, messaging.ErrBrokerUnavailable)
		assert.NotErrorIs(t, err, memory.ErrInjected)

		report := client.Health().Check(ctx)
		assert.Equal(t, health.StatusUnhealthy, report.Status)
		assert.Equal(t, health.StatusUnhealthy, report.Checks["circuit_broker"].Status)
	})

	t.Run("hand-built configs get defaults", func(t *testing.T) {
		client, err := NewClient(&config.Config{})
		require.NoError(t, err)
		assert.NoError(t, client.Close())

		partial := &config.Config{}
		partial.Broker.URL = "memory://local"
		partial.Server.Enabled = true
		client, err = NewClient(partial)
		require.NoError(t, err)
		defer client.Close()
		assert.Nil(t, partial.Broker.PublisherConfirms)
		assert.Empty(t, partial.Client.RequestQueue)

		require.NoError(t, client.StartServer(ctx))
		result, err := client.Call(ctx, []byte("ping"), time.Second)
		require.NoError(t, err)
		assert.Contains(t, string(result.Payload), "jms/ExampleQueue")
	})

	t.Run("invalid hand-built config is rejected", func(t *testing.T) {
		bad := &config.Config{}
		bad.Broker.URL = "memory://local"
		bad.Server.Concurrency = -2
		_, err := NewClient(bad)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("explicit directory wins", func(t *testing.T) {
		dir := lookupFunc(func(ctx context.Context, name string) (string, error) {
			return "", errors.New("directory offline")
		})
		client, err := NewClient(nil, WithDirectory(dir))
		require.NoError(t, err)

		_, err = client.Call(ctx, []byte("ping"), 0)
		assert.ErrorIs(t, err, messaging.ErrBrokerUnavailable)
		assert.ErrorContains(t, err, "directory offline")
	})
}

func TestClientHTTPHandler(t *testing.T) {
	client, err := NewClient(memoryConfig(t, `
server:
  enabled: true
`))
	require.NoError(t, err)
	require.NoError(t, client.StartServer(context.Background()))
	defer client.Close()

	h := client.HTTPHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Well, that seemed to work!"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reply_server"`)
	assert.Contains(t, rec.Body.String(), `"broker"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status": "received"`)
}

type lookupFunc func(ctx context.Context, name string) (string, error)

func (f lookupFunc) Lookup(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}
