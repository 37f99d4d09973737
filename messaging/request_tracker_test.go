package messaging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRequestTracker(t *testing.T) {
	t.Run("validates requests", func(t *testing.T) {
		tracker := NewInMemoryRequestTracker(0)
		assert.Error(t, tracker.TrackRequest(nil))
		assert.Error(t, tracker.TrackRequest(&TrackedRequest{}))
		assert.Equal(t, 5*time.Minute, tracker.retention)
	})

	t.Run("follows a request to completion", func(t *testing.T) {
		tracker := NewInMemoryRequestTracker(time.Minute)
		require.NoError(t, tracker.TrackRequest(&TrackedRequest{
			CorrelationID: "corr-1",
			Status:        RequestStatusPending,
			RequestQueue:  "ExampleQueue",
			SentAt:        time.Now(),
		}))

		require.NoError(t, tracker.UpdateStatus("corr-1", RequestStatusSent))
		got, err := tracker.GetRequest("corr-1")
		require.NoError(t, err)
		assert.Equal(t, RequestStatusSent, got.Status)
		assert.Nil(t, got.FinishedAt)

		require.NoError(t, tracker.CompleteRequest("corr-1", 12*time.Millisecond))
		got, err = tracker.GetRequest("corr-1")
		require.NoError(t, err)
		assert.Equal(t, RequestStatusReceived, got.Status)
		assert.Equal(t, 12*time.Millisecond, got.Elapsed)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("records failures", func(t *testing.T) {
		tracker := NewInMemoryRequestTracker(time.Minute)
		require.NoError(t, tracker.TrackRequest(&TrackedRequest{CorrelationID: "corr-2"}))
		require.NoError(t, tracker.FailRequest("corr-2", errors.New("send failed")))

		got, err := tracker.GetRequest("corr-2")
		require.NoError(t, err)
		assert.Equal(t, RequestStatusFailed, got.Status)
		assert.Equal(t, "send failed", got.Error)
	})

	t.Run("unknown ids", func(t *testing.T) {
		tracker := NewInMemoryRequestTracker(time.Minute)
		assert.Error(t, tracker.UpdateStatus("missing", RequestStatusSent))
		assert.Error(t, tracker.CompleteRequest("missing", 0))
		assert.Error(t, tracker.FailRequest("missing", nil))
		_, err := tracker.GetRequest("missing")
		assert.Error(t, err)
	})

	t.Run("recent requests are newest first", func(t *testing.T) {
		tracker := NewInMemoryRequestTracker(time.Minute)
		base := time.Now()
		for i, id := range []string{"a", "b", "c"} {
			require.NoError(t, tracker.TrackRequest(&TrackedRequest{
				CorrelationID: id,
				SentAt:        base.Add(time.Duration(i) * time.Second),
			}))
		}

		recent := tracker.RecentRequests(2)
		require.Len(t, recent, 2)
		assert.Equal(t, "c", recent[0].CorrelationID)
		assert.Equal(t, "b", recent[1].CorrelationID)
		assert.Len(t, tracker.RecentRequests(0), 3)
	})

	t.Run("prunes finished requests past retention", func(t *testing.T) {
		tracker := NewInMemoryRequestTracker(time.Millisecond)
		require.NoError(t, tracker.TrackRequest(&TrackedRequest{CorrelationID: "done"}))
		require.NoError(t, tracker.TrackRequest(&TrackedRequest{CorrelationID: "open"}))
		require.NoError(t, tracker.UpdateStatus("done", RequestStatusTimeout))

		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, 1, tracker.CleanupExpired())

		_, err := tracker.GetRequest("open")
		assert.NoError(t, err)
		_, err = tracker.GetRequest("done")
		assert.Error(t, err)
	})
}

func TestRequestStatus_Finished(t *testing.T) {
	assert.False(t, RequestStatusPending.Finished())
	assert.False(t, RequestStatusSent.Finished())
	assert.True(t, RequestStatusReceived.Finished())
	assert.True(t, RequestStatusTimeout.Finished())
	assert.True(t, RequestStatusFailed.Finished())
}
