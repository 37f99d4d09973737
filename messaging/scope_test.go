package messaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope(t *testing.T) {
	t.Run("releases by kind regardless of acquisition order", func(t *testing.T) {
		scope := NewScope(nil)
		var order []string
		track := func(kind ResourceKind, name string) {
			scope.Track(kind, name, func() error {
				order = append(order, name)
				return nil
			})
		}

		track(KindConnection, "connection")
		track(KindSession, "session")
		track(KindProducer, "producer")
		track(KindTemporaryDestination, "temp")
		track(KindConsumer, "consumer")

		require.NoError(t, scope.Close())
		assert.Equal(t, []string{"temp", "consumer", "producer", "session", "connection"}, order)
	})

	t.Run("releases the latest resource of a kind first", func(t *testing.T) {
		scope := NewScope(nil)
		var order []string
		for _, name := range []string{"first", "second", "third"} {
			name := name
			scope.Track(KindProducer, name, func() error {
				order = append(order, name)
				return nil
			})
		}

		require.NoError(t, scope.Close())
		assert.Equal(t, []string{"third", "second", "first"}, order)
	})

	t.Run("second close is a no-op", func(t *testing.T) {
		scope := NewScope(nil)
		calls := 0
		scope.Track(KindSession, "session", func() error {
			calls++
			return nil
		})

		require.NoError(t, scope.Close())
		require.NoError(t, scope.Close())
		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, scope.Len())
	})

	t.Run("continues past failures and joins them", func(t *testing.T) {
		scope := NewScope(nil)
		errConsumer := errors.New("consumer close failed")
		connectionClosed := false

		scope.Track(KindConnection, "connection", func() error {
			connectionClosed = true
			return nil
		})
		scope.Track(KindConsumer, "reply", func() error { return errConsumer })
		scope.Track(KindSession, "session", func() error { panic("boom") })

		err := scope.Close()
		require.Error(t, err)
		assert.ErrorIs(t, err, errConsumer)
		assert.Contains(t, err.Error(), "panic during release: boom")
		assert.True(t, connectionClosed)
	})

	t.Run("tracking after close releases immediately", func(t *testing.T) {
		scope := NewScope(nil)
		require.NoError(t, scope.Close())

		released := false
		scope.Track(KindProducer, "late", func() error {
			released = true
			return nil
		})
		assert.True(t, released)
		assert.Equal(t, 0, scope.Len())
	})
}
