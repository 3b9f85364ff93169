package planning

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"horizon-workflow/internal/models"
	"horizon-workflow/internal/telemetry"
)

// MutateFunc edits a planning record loaded under its own row lock and returns the events to
// write with it.
type MutateFunc = func(p *models.Planning) ([]models.Event, error)

// Repository persists planning records and cutting assignments. The planning row is locked
// independently of the job card, so planning and step progression do not contend.
type Repository interface {
	// GetPlanning returns the job's planning record, PENDING when none was written yet.
	GetPlanning(ctx context.Context, jobID string) (models.Planning, error)
	MutatePlanning(ctx context.Context, jobID string, fn MutateFunc) (models.Planning, error)
	GetCuttingAssignment(ctx context.Context, jobID string) (*models.CuttingAssignment, error)
	// SaveCuttingAssignment inserts the assignment, or overwrites the assignee when overwrite is
	// set. It reports whether anything was written; mut is persisted only in that case.
	SaveCuttingAssignment(ctx context.Context, a models.CuttingAssignment, overwrite bool, mut models.Mutation) (models.CuttingAssignment, bool, error)
	CuttingQueue(ctx context.Context, limit int) ([]models.CuttingQueueEntry, error)
}

// Notifier delivers committed events for a job.
type Notifier interface {
	Flush(ctx context.Context, jobID string) error
}

// Service runs planning and cutting-gate operations.
type Service struct {
	repo     Repository
	notifier Notifier
	logger   *slog.Logger
	elevated func(role string) bool
	now      func() time.Time
}

// New builds the service. elevated decides which roles may reset planning.
func New(repo Repository, notifier Notifier, logger *slog.Logger, elevated func(role string) bool) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if elevated == nil {
		elevated = func(string) bool { return false }
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		elevated: elevated,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the planning record of a job.
func (s *Service) Get(ctx context.Context, jobID string) (models.Planning, error) {
	return s.repo.GetPlanning(ctx, jobID)
}

// Plan proposes or revises a layout.
func (s *Service) Plan(ctx context.Context, jobID string, layout models.Layout, actor models.Actor) (models.Planning, error) {
	return s.mutate(ctx, "plan", jobID, models.EventPlanningPlanned, actor, func(p *models.Planning) error {
		return Plan(p, layout, s.now())
	})
}

// Lock freezes the current proposal.
func (s *Service) Lock(ctx context.Context, jobID string, actor models.Actor) (models.Planning, error) {
	return s.mutate(ctx, "lock", jobID, models.EventPlanningLocked, actor, func(p *models.Planning) error {
		return Lock(p, actor, s.now())
	})
}

// Unlock reopens a locked proposal.
func (s *Service) Unlock(ctx context.Context, jobID string, actor models.Actor) (models.Planning, error) {
	return s.mutate(ctx, "unlock", jobID, models.EventPlanningUnlocked, actor, func(p *models.Planning) error {
		return Unlock(p, s.now())
	})
}

// Apply finalizes the locked layout. The planning.applied event it emits is what creates the
// cutting assignment; the two records are not written in one transaction.
func (s *Service) Apply(ctx context.Context, jobID string, layout models.Layout, actor models.Actor) (models.Planning, error) {
	return s.mutate(ctx, "apply", jobID, models.EventPlanningApplied, actor, func(p *models.Planning) error {
		return Apply(p, layout, actor, s.now())
	})
}

// Reset sends an applied or in-flight plan back to PENDING. Requires an elevated role.
func (s *Service) Reset(ctx context.Context, jobID string, actor models.Actor, reason string) (models.Planning, error) {
	p, err := s.mutate(ctx, "reset", jobID, models.EventPlanningReset, actor, func(p *models.Planning) error {
		return Reset(p, s.elevated(actor.Role), s.now())
	})
	if err == nil {
		s.logger.Warn("planning reset", "job_id", jobID, "actor", actor.Name, "role", actor.Role, "reason", reason)
	}
	return p, err
}

func (s *Service) mutate(ctx context.Context, op, jobID, eventType string, actor models.Actor, apply func(*models.Planning) error) (models.Planning, error) {
	p, err := s.repo.MutatePlanning(ctx, jobID, func(p *models.Planning) ([]models.Event, error) {
		from := p.Status
		if err := apply(p); err != nil {
			return nil, err
		}
		return []models.Event{planningEvent(eventType, p, from, actor)}, nil
	})
	observe(op, err)
	if err != nil {
		return models.Planning{}, err
	}
	s.notify(ctx, jobID)
	return p, nil
}

// EnsureCuttingAssignment creates the default cutting assignment for a job unless one exists.
// It is the handler for planning.applied and is safe to run more than once.
func (s *Service) EnsureCuttingAssignment(ctx context.Context, jobID string) (models.CuttingAssignment, bool, error) {
	a := models.CuttingAssignment{
		ID:         uuid.New().String(),
		JobCardID:  jobID,
		AssignedTo: models.CuttingDepartment,
		AssignedBy: "system",
		Status:     models.CuttingAssigned,
		Comments:   "created when planning was applied",
		CreatedAt:  s.now(),
	}
	return s.save(ctx, a, false, models.Actor{Name: "system"})
}

// AssignCutting assigns (or reassigns) cutting labor for a job independently of planning.
func (s *Service) AssignCutting(ctx context.Context, jobID, assignedTo, comments string, actor models.Actor) (models.CuttingAssignment, error) {
	assignedTo = strings.TrimSpace(assignedTo)
	if assignedTo == "" {
		return models.CuttingAssignment{}, models.Errorf(models.ErrValidation, "assigned_to is required")
	}
	a := models.CuttingAssignment{
		ID:         uuid.New().String(),
		JobCardID:  jobID,
		AssignedTo: assignedTo,
		AssignedBy: actor.Name,
		Status:     models.CuttingAssigned,
		Comments:   comments,
		CreatedAt:  s.now(),
	}
	saved, _, err := s.save(ctx, a, true, actor)
	return saved, err
}

func (s *Service) save(ctx context.Context, a models.CuttingAssignment, overwrite bool, actor models.Actor) (models.CuttingAssignment, bool, error) {
	mut := models.Mutation{
		History: []models.HistoryEntry{{
			JobCardID:      a.JobCardID,
			ActionType:     models.ActionAssigned,
			StepName:       models.CuttingDepartment,
			AssignedToName: a.AssignedTo,
			AssignedByName: a.AssignedBy,
			Notes:          a.Comments,
		}},
		Events: []models.Event{{
			JobCardID: a.JobCardID,
			Type:      models.EventCuttingAssigned,
			Payload: map[string]any{
				"assigned_to": a.AssignedTo,
				"assigned_by": a.AssignedBy,
				"actor":       actor.Name,
			},
		}},
	}
	saved, changed, err := s.repo.SaveCuttingAssignment(ctx, a, overwrite, mut)
	if err != nil {
		return models.CuttingAssignment{}, false, err
	}
	if changed {
		s.logger.Info("cutting assigned", "job_id", a.JobCardID, "assigned_to", saved.AssignedTo, "by", saved.AssignedBy)
		s.notify(ctx, a.JobCardID)
	}
	return saved, changed, nil
}

// CuttingAssignment returns the job's cutting assignment, nil when none.
func (s *Service) CuttingAssignment(ctx context.Context, jobID string) (*models.CuttingAssignment, error) {
	return s.repo.GetCuttingAssignment(ctx, jobID)
}

// CuttingQueue lists the jobs visible to the cutting department: cursor in Cutting, or planning
// applied, or a cutting assignment exists.
func (s *Service) CuttingQueue(ctx context.Context, limit int) ([]models.CuttingQueueEntry, error) {
	return s.repo.CuttingQueue(ctx, limit)
}

func (s *Service) notify(ctx context.Context, jobID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Flush(ctx, jobID); err != nil {
		s.logger.Warn("event flush deferred", "job_id", jobID, "error", err)
	}
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if typed, ok := models.AsError(err); ok {
			result = strings.ToLower(string(typed.Code))
		}
	}
	telemetry.PlanningTransitions.WithLabelValues(op, result).Inc()
}

func planningEvent(typ string, p *models.Planning, from string, actor models.Actor) models.Event {
	return models.Event{
		JobCardID: p.JobCardID,
		Type:      typ,
		Payload: map[string]any{
			"from":                from,
			"planning_status":     p.Status,
			"final_total_sheets":  p.Layout.FinalTotalSheets,
			"cutting_layout_type": p.Layout.CuttingLayoutType,
			"grid_pattern":        p.Layout.GridPattern,
			"blanks_per_sheet":    p.Layout.BlanksPerSheet,
			"actor":               actor.Name,
		},
	}
}

// CuttingAdmitted reports whether a job may start its Cutting step: planning is APPLIED or a
// cutting assignment exists.
func (s *Service) CuttingAdmitted(ctx context.Context, jobID string) (bool, error) {
	p, err := s.repo.GetPlanning(ctx, jobID)
	if err != nil {
		return false, err
	}
	if p.Status == models.PlanningApplied {
		return true, nil
	}
	a, err := s.repo.GetCuttingAssignment(ctx, jobID)
	if err != nil {
		return false, err
	}
	return a != nil, nil
}

// IsVisibleToCutting is the inclusive-OR visibility rule of the cutting dashboard.
func IsVisibleToCutting(job models.JobCard, planningStatus string, hasAssignment bool) bool {
	return strings.EqualFold(job.CurrentDepartment, models.CuttingDepartment) ||
		planningStatus == models.PlanningApplied ||
		hasAssignment
}
