package messaging_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rr/messaging"
	"github.com/glimte/mmate-rr/transports/memory"
)

// sendRaw puts msg on the request queue through a throwaway connection
func sendRaw(t *testing.T, broker *memory.Broker, msg *messaging.Message) {
	t.Helper()
	ctx := context.Background()
	conn, err := broker.ConnectionFactory().CreateConnection(ctx)
	require.NoError(t, err)
	defer conn.Close()

	sess, err := conn.CreateSession(false, messaging.AckAuto)
	require.NoError(t, err)
	producer, err := sess.CreateProducer(messaging.Queue(requestQueue))
	require.NoError(t, err)
	require.NoError(t, producer.Send(ctx, msg))
}

func TestReplyServerLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("moves between stopped and running", func(t *testing.T) {
		broker := memory.NewBroker()
		server, err := messaging.NewReplyServer(newResources(t, broker))
		require.NoError(t, err)
		assert.Equal(t, messaging.StateStopped, server.State())

		require.NoError(t, server.Start(ctx))
		assert.Equal(t, messaging.StateRunning, server.State())
		assert.Equal(t, "running", server.State().String())
		assert.Equal(t, 1, broker.Stats().Consumers)

		require.NoError(t, server.Stop())
		assert.Equal(t, messaging.StateStopped, server.State())
		assert.Equal(t, 0, broker.Stats().Open())
	})

	t.Run("start while running is rejected", func(t *testing.T) {
		broker := memory.NewBroker()
		server := startServer(t, newResources(t, broker))

		assert.ErrorIs(t, server.Start(ctx), messaging.ErrServerNotStopped)
		assert.Equal(t, messaging.StateRunning, server.State())
		assert.Equal(t, 1, broker.Stats().Connections)
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		broker := memory.NewBroker()
		server, err := messaging.NewReplyServer(newResources(t, broker))
		require.NoError(t, err)

		assert.NoError(t, server.Stop())
		require.NoError(t, server.Start(ctx))
		assert.NoError(t, server.Stop())
		assert.NoError(t, server.Stop())
		assert.Equal(t, messaging.StateStopped, server.State())
	})

	t.Run("can be restarted after stop", func(t *testing.T) {
		broker := memory.NewBroker()
		resources := newResources(t, broker)
		server := startServer(t, resources)
		require.NoError(t, server.Stop())
		require.NoError(t, server.Start(ctx))

		client, err := messaging.NewClient(resources)
		require.NoError(t, err)
		result, err := client.Call(ctx, nil, time.Second)
		require.NoError(t, err)
		assert.True(t, result.Received())
	})

	for _, op := range []string{memory.OpConnect, memory.OpCreateSession, memory.OpCreateConsumer} {
		op := op
		t.Run("failure to "+op+" leaves the server stopped", func(t *testing.T) {
			broker := memory.NewBroker(memory.WithFailingOps(op))
			server, err := messaging.NewReplyServer(newResources(t, broker))
			require.NoError(t, err)

			err = server.Start(ctx)
			assert.ErrorIs(t, err, memory.ErrInjected)
			assert.Equal(t, messaging.StateStopped, server.State())
			assert.Equal(t, 0, broker.Stats().Open())
		})
	}

	t.Run("unresolvable request queue fails start", func(t *testing.T) {
		broker := memory.NewBroker()
		dir := mapDirectory{messaging.DefaultConnectionFactoryName: "memory://local"}
		resources, err := messaging.NewResourceManager(dir, messaging.WithTransport("memory", broker.Constructor()))
		require.NoError(t, err)

		server, err := messaging.NewReplyServer(resources)
		require.NoError(t, err)
		assert.ErrorIs(t, server.Start(ctx), messaging.ErrDestinationNotFound)
		assert.Equal(t, 0, broker.Stats().Open())
	})
}

func TestReplyServerHandling(t *testing.T) {
	ctx := context.Background()

	t.Run("survives malformed requests", func(t *testing.T) {
		broker := memory.NewBroker()
		resources := newResources(t, broker)
		server := startServer(t, resources)

		sendRaw(t, broker, &messaging.Message{Kind: messaging.KindText, Payload: []byte("text")})
		sendRaw(t, broker, &messaging.Message{Kind: messaging.KindUnknown})

		client, err := messaging.NewClient(resources)
		require.NoError(t, err)
		result, err := client.Call(ctx, []byte("Hello, world"), time.Second)
		require.NoError(t, err)
		assert.True(t, result.Received())
		assert.Equal(t, messaging.StateRunning, server.State())
	})

	t.Run("discards requests without reply destination", func(t *testing.T) {
		broker := memory.NewBroker()
		resources := newResources(t, broker)
		var answered atomic.Int32
		startServer(t, resources, messaging.WithResponder(func(ctx context.Context, req messaging.Request) ([]byte, error) {
			answered.Add(1)
			return []byte("ok"), nil
		}))

		sendRaw(t, broker, messaging.NewBytesMessage([]byte("nowhere to reply")))

		client, err := messaging.NewClient(resources)
		require.NoError(t, err)
		result, err := client.Call(ctx, nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(result.Payload))
		assert.Equal(t, int32(1), answered.Load())
	})

	t.Run("responder error sends no reply", func(t *testing.T) {
		broker := memory.NewBroker()
		resources := newResources(t, broker)
		startServer(t, resources, messaging.WithResponder(func(ctx context.Context, req messaging.Request) ([]byte, error) {
			return nil, errors.New("cannot answer")
		}))

		client, err := messaging.NewClient(resources)
		require.NoError(t, err)
		result, err := client.Call(ctx, nil, 200*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, messaging.OutcomeNoReply, result.Outcome)
	})

	t.Run("responder panic does not stop the server", func(t *testing.T) {
		broker := memory.NewBroker()
		resources := newResources(t, broker)
		var calls atomic.Int32
		startServer(t, resources, messaging.WithResponder(func(ctx context.Context, req messaging.Request) ([]byte, error) {
			if calls.Add(1) == 1 {
				panic("first request explodes")
			}
			return req.Payload, nil
		}))

		client, err := messaging.NewClient(resources)
		require.NoError(t, err)

		result, err := client.Call(ctx, []byte("one"), 200*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, result.Received())

		result, err = client.Call(ctx, []byte("two"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "two", string(result.Payload))
	})

	t.Run("responder sees request details", func(t *testing.T) {
		broker := memory.NewBroker()
		resources := newResources(t, broker)
		seen := make(chan messaging.Request, 1)
		startServer(t, resources, messaging.WithResponder(func(ctx context.Context, req messaging.Request) ([]byte, error) {
			seen <- req
			return []byte("ack"), nil
		}))

		client, err := messaging.NewClient(resources)
		require.NoError(t, err)
		result, err := client.Call(ctx, []byte("payload"), time.Second)
		require.NoError(t, err)

		req := <-seen
		assert.Equal(t, []byte("payload"), req.Payload)
		assert.Equal(t, result.CorrelationID, req.CorrelationID)
		assert.Equal(t, requestQueue, req.RequestQueue)
		assert.Equal(t, result.ReplyQueue, req.ReplyTo.DestinationName())
	})

	t.Run("worker pool answers concurrent calls", func(t *testing.T) {
		broker := memory.NewBroker()
		resources := newResources(t, broker)
		server := startServer(t, resources, messaging.WithConcurrency(4))

		client, err := messaging.NewClient(resources)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]*messaging.Result, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = client.Call(ctx, []byte{byte(i)}, 2*time.Second)
			}(i)
		}
		wg.Wait()

		ids := make(map[string]bool)
		for _, result := range results {
			require.NotNil(t, result)
			assert.True(t, result.Received())
			assert.Contains(t, string(result.Payload), result.ReplyQueue)
			ids[result.CorrelationID] = true
		}
		assert.Len(t, ids, len(results))

		require.NoError(t, server.Stop())
		assert.Equal(t, 0, broker.Stats().Open())
	})

	t.Run("reply send failure is logged and the server keeps running", func(t *testing.T) {
		var sends atomic.Int32
		broker := memory.NewBroker(memory.WithFault(func(op string) error {
			if op == memory.OpSend && sends.Add(1) == 2 {
				return memory.ErrInjected
			}
			return nil
		}))
		resources := newResources(t, broker)
		server := startServer(t, resources)

		client, err := messaging.NewClient(resources)
		require.NoError(t, err)

		result, err := client.Call(ctx, nil, 200*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, result.Received())
		assert.Equal(t, messaging.StateRunning, server.State())

		result, err = client.Call(ctx, nil, time.Second)
		require.NoError(t, err)
		assert.True(t, result.Received())
	})
}
