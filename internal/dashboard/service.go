package dashboard

import (
	"context"
	"log/slog"
	"time"

	"horizon-workflow/internal/models"
)

// Source lists job snapshots for aggregation.
type Source interface {
	ListSnapshots(ctx context.Context, filter models.JobFilter) ([]models.JobSnapshot, error)
}

// Deriver fills in reconstructed steps for jobs that have none.
type Deriver interface {
	Derive(ctx context.Context, snap *models.JobSnapshot) error
}

// Service builds dashboard views from current state.
type Service struct {
	src     Source
	deriver Deriver
	sla     func(department string) time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func New(src Source, deriver Deriver, sla func(string) time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sla == nil {
		sla = func(string) time.Duration { return 0 }
	}
	return &Service{src: src, deriver: deriver, sla: sla, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// maxSnapshots bounds one dashboard load.
const maxSnapshots = 5000

// Director returns the factory-wide summary over open jobs and jobs updated inside the window.
// A zero window covers the last 7 days.
func (s *Service) Director(ctx context.Context, w Window) (Director, error) {
	now := s.now()
	w = s.window(w, now)
	snaps, err := s.load(ctx, models.JobFilter{ActiveSince: w.From})
	if err != nil {
		return Director{}, err
	}
	return BuildDirector(snaps, now, w, s.sla), nil
}

// Department returns the summary of one department. Only jobs that sit in the department or
// carry a step there are loaded.
func (s *Service) Department(ctx context.Context, dept string, w Window) (Department, error) {
	now := s.now()
	w = s.window(w, now)
	snaps, err := s.load(ctx, models.JobFilter{ActiveSince: w.From, TouchesDepartment: dept})
	if err != nil {
		return Department{}, err
	}
	return BuildDepartment(snaps, dept, now, w, s.sla), nil
}

func (s *Service) window(w Window, now time.Time) Window {
	if w.To.IsZero() {
		w.To = now
	}
	if w.From.IsZero() {
		w.From = w.To.Add(-7 * 24 * time.Hour)
	}
	return w
}

// load lists snapshots and reconstructs legacy jobs. A job that cannot be reconstructed is kept
// with no steps rather than failing the whole view.
func (s *Service) load(ctx context.Context, f models.JobFilter) ([]models.JobSnapshot, error) {
	f.Limit = maxSnapshots
	snaps, err := s.src.ListSnapshots(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(snaps) == maxSnapshots {
		s.logger.Warn("dashboard truncated", "jobs", len(snaps))
	}
	if s.deriver == nil {
		return snaps, nil
	}
	for i := range snaps {
		if len(snaps[i].Steps) > 0 {
			continue
		}
		if err := s.deriver.Derive(ctx, &snaps[i]); err != nil {
			s.logger.Warn("dashboard skipped legacy job", "job_id", snaps[i].Job.ID, "error", err)
		}
	}
	return snaps, nil
}
