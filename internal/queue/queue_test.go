package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, Config{Name: "runs", Visibility: visibility, MaxReceives: 3}, zerolog.Nop())
}

func TestEnqueueDequeue_RoundTrips(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	require.NoError(t, q.Enqueue(context.Background(), "run-1"))

	msg, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "run-1", msg.RunID)
	require.Equal(t, 1, msg.ReceiveCount)
}

func TestDequeue_ReturnsErrEmptyWhenNothingQueued(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	_, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestAck_RemovesFromInFlight(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	require.NoError(t, q.Enqueue(context.Background(), "run-1"))

	msg, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.Ack(context.Background(), msg))

	redelivered, deadLettered, err := q.SweepStale(context.Background())
	require.NoError(t, err)
	require.Zero(t, redelivered)
	require.Zero(t, deadLettered)
}

func TestSweepStale_RedeliversPastVisibilityWindow(t *testing.T) {
	q := newTestQueue(t, 10*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "run-1"))

	_, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	redelivered, deadLettered, err := q.SweepStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, redelivered)
	require.Zero(t, deadLettered)

	msg, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "run-1", msg.RunID)
	require.Equal(t, 2, msg.ReceiveCount)
}

func TestSweepStale_DeadLettersAfterMaxReceives(t *testing.T) {
	q := newTestQueue(t, 10*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "run-1"))

	for i := 0; i < 3; i++ {
		_, err := q.Dequeue(context.Background(), 100*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(15 * time.Millisecond)
		redelivered, deadLettered, err := q.SweepStale(context.Background())
		require.NoError(t, err)
		if i < 2 {
			require.Equal(t, 1, redelivered)
		} else {
			require.Equal(t, 1, deadLettered)
		}
	}

	count, err := q.DeadLetterCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
