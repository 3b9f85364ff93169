package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"horizon-workflow/internal/models"
	"horizon-workflow/internal/queue"
)

// CuttingAssigner creates the default cutting assignment of a job.
type CuttingAssigner interface {
	EnsureCuttingAssignment(ctx context.Context, jobID string) (models.CuttingAssignment, bool, error)
}

// PlanningApplied handles planning.applied: the job gets a cutting assignment unless one exists.
// Redelivery is harmless.
func PlanningApplied(assigner CuttingAssigner, logger *slog.Logger) Handler {
	return func(ctx context.Context, t queue.Task) error {
		a, created, err := assigner.EnsureCuttingAssignment(ctx, t.JobCardID)
		if errors.Is(err, models.ErrJobNotFound) {
			logger.Warn("planning applied for unknown job", "job_id", t.JobCardID, "task_id", t.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("ensure cutting assignment for %s: %w", t.JobCardID, err)
		}
		if created {
			logger.Info("cutting assignment created", "job_id", t.JobCardID, "assigned_to", a.AssignedTo)
		}
		return nil
	}
}
