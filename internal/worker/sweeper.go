package worker

import (
	"context"
	"log/slog"
	"time"

	"horizon-workflow/internal/telemetry"
)

// OutboxFlusher redelivers events left pending by a failed or interrupted flush.
type OutboxFlusher interface {
	FlushPending(ctx context.Context, limit int) (int, error)
}

// StallDetector flags in-progress steps whose lease has expired.
type StallDetector interface {
	SweepStalled(ctx context.Context, limit int) (int, error)
	CountStalled(ctx context.Context) (int, error)
}

// Sweeper runs the periodic housekeeping next to the task loop.
type Sweeper struct {
	outbox   OutboxFlusher
	stalls   StallDetector
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewSweeper(outbox OutboxFlusher, stalls StallDetector, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{outbox: outbox, stalls: stalls, interval: interval, batch: 200, logger: logger}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce flushes outbox leftovers and reports newly stalled steps.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if s.outbox != nil {
		n, err := s.outbox.FlushPending(ctx, s.batch)
		if err != nil {
			s.logger.Warn("outbox sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("outbox leftovers delivered", "events", n)
		}
	}
	if s.stalls != nil {
		n, err := s.stalls.SweepStalled(ctx, s.batch)
		if err != nil {
			s.logger.Warn("stall sweep failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Warn("stalled steps reported", "steps", n)
		}
		// The gauge tracks every expired lease, including ones reported by earlier sweeps.
		total, err := s.stalls.CountStalled(ctx)
		if err != nil {
			s.logger.Warn("count stalled steps failed", "error", err)
			return
		}
		telemetry.StalledSteps.Set(float64(total))
	}
}
