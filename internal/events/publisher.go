package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"horizon-workflow/internal/models"
)

// Publisher pushes committed events to connected dashboards.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
	Name() string
}

// BroadcastChannel is the Redis pub/sub channel every event is fanned out on.
const BroadcastChannel = "workflow.events"

// RedisPublisher appends each event to a per-job stream, which keeps a replayable ordered
// history for reconnecting dashboards, and broadcasts it on a shared channel.
type RedisPublisher struct {
	client *redis.Client
	maxLen int64
}

func NewRedisPublisher(client *redis.Client, maxLen int64) *RedisPublisher {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisPublisher{client: client, maxLen: maxLen}
}

// StreamKey is the Redis stream holding a job's events.
func StreamKey(jobID string) string {
	return "events:job:" + jobID
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.ID, err)
	}
	pipe := p.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(ev.JobCardID),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"event_id": ev.ID, "type": ev.Type, "data": data},
	})
	pipe.Publish(ctx, BroadcastChannel, data)
	_, err = pipe.Exec(ctx)
	return err
}

// NATSPublisher publishes each event on horizon.workflow.<jobID>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: "horizon.workflow."}
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Publish(_ context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.ID, err)
	}
	msg := nats.NewMsg(p.prefix + ev.JobCardID)
	msg.Data = data
	msg.Header.Set("Event-Type", ev.Type)
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%d", ev.ID))
	return p.conn.PublishMsg(msg)
}

// NopPublisher drops events; used when EVENT_SINK=none.
type NopPublisher struct{}

func (NopPublisher) Name() string                                { return "none" }
func (NopPublisher) Publish(context.Context, models.Event) error { return nil }
