package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(client, time.Minute, "tasks:dlq"), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	task := Task{ID: "planning.applied:7", Type: "planning.applied", JobCardID: "job-1"}
	require.NoError(t, q.Enqueue(ctx, task))
	// Redelivery of the same event must not create a second task.
	require.NoError(t, q.Enqueue(ctx, task))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task, got)

	_, ok, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Ack(ctx, task.ID))
	n, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Type: "planning.applied", JobCardID: "job-1"}))
	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	n, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", got.ID)
}

func TestRetryAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Type: "planning.applied", JobCardID: "job-1"}))
	task, _, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	task.Attempts++
	require.NoError(t, q.Retry(ctx, task, time.Now().Add(time.Second)))
	n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, again.Attempts)

	require.NoError(t, q.DeadLetter(ctx, again))
	items, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"planning.applied:t1"}, items)
}
