package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horizon-workflow/internal/memstore"
	"horizon-workflow/internal/models"
	"horizon-workflow/internal/queue"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

type recordingPublisher struct {
	got  []models.Event
	fail error
}

func (r *recordingPublisher) Name() string { return "test" }

func (r *recordingPublisher) Publish(_ context.Context, ev models.Event) error {
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, ev)
	return nil
}

// seedJob stores a bare job card.
func seedJob(t *testing.T, st *memstore.Store, id string) {
	t.Helper()
	st.PutJob(models.JobCard{ID: id, JobNumber: "HS-" + id, Quantity: 1, Version: 1, CreatedAt: time.Now()}, nil, nil)
}

func TestRedisPublisherAppendsToJobStream(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	pub := NewRedisPublisher(client, 100)

	for i := 1; i <= 3; i++ {
		require.NoError(t, pub.Publish(ctx, models.Event{ID: int64(i), JobCardID: "job-1", Type: models.EventStepStarted}))
	}
	msgs, err := client.XRange(ctx, StreamKey("job-1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, models.EventStepStarted, m.Values["type"])
		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(m.Values["data"].(string)), &ev))
		assert.EqualValues(t, i+1, ev.ID)
	}
}

func TestDispatcherDeliversInOrderAndRoutesTasks(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedJob(t, st, "job-1")
	for _, typ := range []string{models.EventPlanningPlanned, models.EventPlanningLocked, models.EventPlanningApplied} {
		_, err := st.MutatePlanning(ctx, "job-1", func(*models.Planning) ([]models.Event, error) {
			return []models.Event{{Type: typ}}, nil
		})
		require.NoError(t, err)
	}

	q := queue.NewRedisQueue(newRedis(t), time.Minute, "")
	pub := &recordingPublisher{}
	d := NewDispatcher(st, pub, q, nil)

	require.NoError(t, d.Flush(ctx, "job-1"))
	require.Len(t, pub.got, 3)
	for i := 1; i < len(pub.got); i++ {
		assert.Greater(t, pub.got[i].ID, pub.got[i-1].ID)
	}

	task, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.EventPlanningApplied, task.Type)
	assert.Equal(t, "job-1", task.JobCardID)

	// Nothing left: a second flush delivers nothing.
	require.NoError(t, d.Flush(ctx, "job-1"))
	assert.Len(t, pub.got, 3)
}

func TestFailedDeliveryStaysPending(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedJob(t, st, "job-1")
	seedJob(t, st, "job-2")
	for _, id := range []string{"job-1", "job-2"} {
		_, err := st.AppendHistory(ctx, models.HistoryEntry{JobCardID: id, ActionType: models.ActionNote}, []models.Event{{Type: models.EventLedgerRecorded}})
		require.NoError(t, err)
	}

	pub := &recordingPublisher{fail: errors.New("sink down")}
	d := NewDispatcher(st, pub, nil, nil)
	require.Error(t, d.Flush(ctx, "job-1"))

	pending, err := st.PendingOutboxJobIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, pending)

	pub.fail = nil
	n, err := d.FlushPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err = st.PendingOutboxJobIDs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
