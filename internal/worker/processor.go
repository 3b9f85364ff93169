package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"horizon-workflow/internal/config"
	"horizon-workflow/internal/queue"
	"horizon-workflow/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	logger   *slog.Logger
	workerID string
}

// Handler executes a task of one type.
type Handler func(ctx context.Context, t queue.Task) error

func NewProcessor(cfg config.Config, q *queue.RedisQueue, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, logger, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, logger *slog.Logger, workerID string) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		logger:   logger.With("worker_id", workerID),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := p.ProcessOne(ctx)
		if err != nil {
			p.logger.Warn("task poll failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// ProcessOne reclaims due tasks, then leases and runs at most one. It reports whether a task was
// taken off the queue.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, 100); err != nil {
		p.logger.Warn("promote scheduled tasks failed", "error", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		p.logger.Warn("requeue expired tasks failed", "error", err)
	} else if reclaimed > 0 {
		p.logger.Warn("reclaimed expired task leases", "count", reclaimed)
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.TaskQueueDepth.Set(float64(depth))
	}

	task, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}

	err = p.runTask(ctx, task)
	if err == nil {
		if err := p.queue.Ack(ctx, task.ID); err != nil {
			return true, fmt.Errorf("ack task %s: %w", task.ID, err)
		}
		telemetry.TasksCompleted.Inc()
		return true, nil
	}

	task.Attempts++
	if task.Attempts >= p.cfg.MaxAttempts {
		p.logger.Error("task dead-lettered", "task_id", task.ID, "type", task.Type, "job_id", task.JobCardID, "attempts", task.Attempts, "error", err)
		telemetry.TasksDeadLetter.Inc()
		return true, p.queue.DeadLetter(ctx, task)
	}
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, task.Attempts)
	p.logger.Warn("task failed, retry scheduled", "task_id", task.ID, "type", task.Type, "job_id", task.JobCardID, "attempts", task.Attempts, "backoff", backoff, "error", err)
	telemetry.TasksFailed.Inc()
	return true, p.queue.Retry(ctx, task, now.Add(backoff))
}

func (p *Processor) runTask(ctx context.Context, t queue.Task) error {
	handler, ok := p.handlers[t.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", t.Type)
	}
	return handler(ctx, t)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
