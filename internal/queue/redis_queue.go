package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is a unit of follow-up work derived from a committed event, e.g. creating the cutting
// assignment once planning is applied.
type Task struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	JobCardID string `json:"job_card_id"`
	Attempts  int    `json:"attempts"`
}

// RedisQueue coordinates ready, in-flight, and scheduled task sets in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	taskKeyPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, visibility time.Duration, dlqKey string) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	if dlqKey == "" {
		dlqKey = "tasks:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "tasks:ready",
		inflightKey:   "tasks:inflight",
		scheduledKey:  "tasks:scheduled",
		taskKeyPrefix: "tasks:meta:",
		visibilityTTL: visibility,
		dlqKey:        dlqKey,
	}
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.taskKeyPrefix + taskID
}

// Enqueue stores the task metadata and pushes it onto the ready list. Enqueueing an ID that is
// already known is a no-op, so redelivered events do not fan out into duplicate tasks.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" || t.Type == "" {
		return errors.New("task id and type are required")
	}
	created, err := q.client.HSetNX(ctx, q.metaKey(t.ID), "type", t.Type).Result()
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(t.ID), "job_card_id", t.JobCardID, "attempts", t.Attempts)
	pipe.RPush(ctx, q.readyKey, t.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Schedule parks a task until runAt, recording its attempt count.
func (q *RedisQueue) Schedule(ctx context.Context, t Task, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(t.ID), "type", t.Type, "job_card_id", t.JobCardID, "attempts", t.Attempts)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: t.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks onto the ready list. It returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims in-flight tasks whose visibility timeout passed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, key string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready task and places it in-flight with a visibility timeout.
// ok is false when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	id, ok := res.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	meta, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
	if err != nil {
		return Task{}, false, err
	}
	attempts, _ := strconv.Atoi(meta["attempts"])
	return Task{ID: id, Type: meta["type"], JobCardID: meta["job_card_id"], Attempts: attempts}, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a finished task from in-flight tracking and drops its metadata.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry takes a failed task out of flight and schedules it again.
func (q *RedisQueue) Retry(ctx context.Context, t Task, runAt time.Time) error {
	if err := q.client.ZRem(ctx, q.inflightKey, t.ID).Err(); err != nil {
		return err
	}
	return q.Schedule(ctx, t, runAt)
}

// DeadLetter moves a task to the DLQ for operational inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, t Task) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, t.ID)
	pipe.Del(ctx, q.metaKey(t.ID))
	pipe.RPush(ctx, q.dlqKey, t.Type+":"+t.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered entries.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if not task then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], task)
return task
`)
