package events

import (
	"context"
	"fmt"
	"log/slog"

	"horizon-workflow/internal/models"
	"horizon-workflow/internal/queue"
	"horizon-workflow/internal/telemetry"
)

// Outbox is the durable event log written inside workflow transactions.
type Outbox interface {
	// DrainOutbox serializes drains of one job (advisory lock), passes pending events to deliver
	// in id order and marks each delivered one. It stops at the first delivery error.
	DrainOutbox(ctx context.Context, jobID string, deliver func(models.Event) error) (int, error)
	PendingOutboxJobIDs(ctx context.Context, limit int) ([]string, error)
}

// TaskQueue receives follow-up work for events that have a domain handler.
type TaskQueue interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// taskEvents are the event types that trigger follow-up work in the worker.
var taskEvents = map[string]bool{
	models.EventPlanningApplied: true,
}

// Dispatcher delivers outbox events at least once, in order per job.
type Dispatcher struct {
	outbox    Outbox
	publisher Publisher
	tasks     TaskQueue
	logger    *slog.Logger
}

// NewDispatcher wires an outbox to a sink. tasks may be nil when no worker is deployed.
func NewDispatcher(outbox Outbox, publisher Publisher, tasks TaskQueue, logger *slog.Logger) *Dispatcher {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{outbox: outbox, publisher: publisher, tasks: tasks, logger: logger}
}

// Flush delivers every pending event of one job.
func (d *Dispatcher) Flush(ctx context.Context, jobID string) error {
	_, err := d.outbox.DrainOutbox(ctx, jobID, func(ev models.Event) error {
		return d.deliver(ctx, ev)
	})
	return err
}

// FlushPending delivers leftovers for up to limit jobs and returns how many events went out.
func (d *Dispatcher) FlushPending(ctx context.Context, limit int) (int, error) {
	ids, err := d.outbox.PendingOutboxJobIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		n, err := d.outbox.DrainOutbox(ctx, id, func(ev models.Event) error {
			return d.deliver(ctx, ev)
		})
		total += n
		if err != nil {
			d.logger.Warn("outbox drain stopped", "job_id", id, "error", err)
		}
	}
	return total, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev models.Event) error {
	if taskEvents[ev.Type] && d.tasks != nil {
		t := queue.Task{ID: fmt.Sprintf("%s:%d", ev.Type, ev.ID), Type: ev.Type, JobCardID: ev.JobCardID}
		if err := d.tasks.Enqueue(ctx, t); err != nil {
			telemetry.EventPublishFailures.Inc()
			return fmt.Errorf("enqueue task for event %d: %w", ev.ID, err)
		}
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		telemetry.EventPublishFailures.Inc()
		return fmt.Errorf("publish event %d: %w", ev.ID, err)
	}
	telemetry.EventsPublished.WithLabelValues(d.publisher.Name()).Inc()
	return nil
}
