package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHashGetter struct {
	mock.Mock
}

func (m *mockHashGetter) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	args := m.Called(key, field)
	return redis.NewStringResult(args.String(0), args.Error(1))
}

func TestStatic(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves bound names", func(t *testing.T) {
		bindings := map[string]string{"jms/ExampleQueue": "example.requests"}
		dir := NewStatic(bindings)
		bindings["jms/ExampleQueue"] = "changed"

		binding, err := dir.Lookup(ctx, "jms/ExampleQueue")
		require.NoError(t, err)
		assert.Equal(t, "example.requests", binding)
	})

	t.Run("unbound and empty names are not found", func(t *testing.T) {
		dir := NewStatic(map[string]string{"empty": ""})

		_, err := dir.Lookup(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.EqualError(t, err, "directory: lookup missing: directory: name not bound")

		_, err = dir.Lookup(ctx, "empty")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("bind and names", func(t *testing.T) {
		dir := NewStatic(nil)
		dir.Bind("jms/ConnectionFactory", "memory://local")
		dir.Bind("jms/ExampleQueue", "q")

		assert.Equal(t, []string{"jms/ConnectionFactory", "jms/ExampleQueue"}, dir.Names())
		binding, err := dir.Lookup(ctx, "jms/ConnectionFactory")
		require.NoError(t, err)
		assert.Equal(t, "memory://local", binding)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewStatic(nil).Lookup(cancelled, "x")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRedis(t *testing.T) {
	ctx := context.Background()

	t.Run("reads the field from the hash", func(t *testing.T) {
		client := &mockHashGetter{}
		client.On("HGet", "bindings", "jms/ConnectionFactory").Return("amqp://localhost:5672/", nil)

		binding, err := NewRedis(client, WithKey("bindings")).Lookup(ctx, "jms/ConnectionFactory")
		require.NoError(t, err)
		assert.Equal(t, "amqp://localhost:5672/", binding)
		client.AssertExpectations(t)
	})

	t.Run("missing field is not found", func(t *testing.T) {
		client := &mockHashGetter{}
		client.On("HGet", DefaultRedisKey, "jms/ExampleQueue").Return("", redis.Nil)

		_, err := NewRedis(client).Lookup(ctx, "jms/ExampleQueue")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("client errors are wrapped", func(t *testing.T) {
		errDown := errors.New("dial tcp 127.0.0.1:6379: connection refused")
		client := &mockHashGetter{}
		client.On("HGet", DefaultRedisKey, "jms/ExampleQueue").Return("", errDown)

		_, err := NewRedis(client).Lookup(ctx, "jms/ExampleQueue")
		assert.ErrorIs(t, err, errDown)
		assert.NotErrorIs(t, err, ErrNotFound)

		var lookupErr *LookupError
		require.ErrorAs(t, err, &lookupErr)
		assert.Equal(t, "jms/ExampleQueue", lookupErr.Name)
	})

	t.Run("client from URL", func(t *testing.T) {
		client, err := NewRedisClient("redis://localhost:6379/2")
		require.NoError(t, err)
		assert.Equal(t, 2, client.Options().DB)
		assert.NoError(t, client.Close())

		_, err = NewRedisClient("http://localhost")
		assert.Error(t, err)
	})
}
