package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"horizon-workflow/internal/models"
	"horizon-workflow/internal/telemetry"
)

// MutateFunc applies a transition to a snapshot loaded under the job lock. The returned mutation
// is persisted in the same transaction as the snapshot.
type MutateFunc = func(snap *models.JobSnapshot) (models.Mutation, error)

// Repository persists job cards with their step collections.
type Repository interface {
	CreateJob(ctx context.Context, snap *models.JobSnapshot, mut models.Mutation) error
	LoadJob(ctx context.Context, jobID string) (*models.JobSnapshot, error)
	// MutateJob locks the job card, runs fn, and writes steps, cursor, ledger rows and events
	// atomically. Lock or version conflicts surface as ErrConcurrentModification.
	MutateJob(ctx context.Context, jobID string, fn MutateFunc) (*models.JobSnapshot, error)
	StalledJobIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	// CountStalled counts in-progress steps of in-progress jobs whose lease expired, reported
	// or not.
	CountStalled(ctx context.Context, now time.Time) (int, error)
	UnmaterializedJobIDs(ctx context.Context, limit int) ([]string, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.JobCard, error)
}

// Sequences resolves process sequences.
type Sequences interface {
	Resolve(ctx context.Context, productID, override string) (models.ProcessSequence, string, error)
	SequenceForProductType(ctx context.Context, productType string) (models.ProcessSequence, error)
}

// Notifier delivers committed events for a job.
type Notifier interface {
	Flush(ctx context.Context, jobID string) error
}

// CuttingGate reports whether production planning admits a job into the Cutting department.
// It is read outside the planning lock.
type CuttingGate interface {
	CuttingAdmitted(ctx context.Context, jobID string) (bool, error)
}

// Engine runs workflow operations, one transaction per call.
type Engine struct {
	repo     Repository
	seqs     Sequences
	notifier Notifier
	gate     CuttingGate
	logger   *slog.Logger
	lease    time.Duration
	now      func() time.Time
	newID    func() string
}

// New constructs an engine. notifier may be nil.
func New(repo Repository, seqs Sequences, notifier Notifier, logger *slog.Logger, lease time.Duration) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if lease <= 0 {
		lease = 12 * time.Hour
	}
	return &Engine{
		repo:     repo,
		seqs:     seqs,
		notifier: notifier,
		logger:   logger,
		lease:    lease,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
}

// SetCuttingGate makes StartStep refuse Cutting steps until planning admits the job. Without a
// gate Cutting starts like any other step.
func (e *Engine) SetCuttingGate(g CuttingGate) {
	e.gate = g
}

// CreateJobParams collects inputs required to punch a job card.
type CreateJobParams struct {
	JobNumber   string
	ProductID   string
	ProductType string
	CompanyID   string
	Quantity    int
	Priority    string
	DueDate     *time.Time
	Actor       models.Actor
}

// CreateJob resolves the sequence and materializes every step as pending.
func (e *Engine) CreateJob(ctx context.Context, p CreateJobParams) (*models.JobSnapshot, error) {
	if p.Quantity <= 0 {
		return nil, models.Errorf(models.ErrValidation, "quantity must be positive")
	}
	priority, err := normalizePriority(p.Priority)
	if err != nil {
		return nil, err
	}
	seq, productType, err := e.seqs.Resolve(ctx, p.ProductID, p.ProductType)
	if err != nil {
		return nil, err
	}

	now := e.now()
	id := e.newID()
	jobNumber := strings.TrimSpace(p.JobNumber)
	if jobNumber == "" {
		jobNumber = fmt.Sprintf("HS-%s-%s", now.Format("060102"), strings.ToUpper(id[:6]))
	}
	snap := &models.JobSnapshot{
		Job: models.JobCard{
			ID:          id,
			JobNumber:   jobNumber,
			ProductID:   p.ProductID,
			ProductType: productType,
			CompanyID:   p.CompanyID,
			Quantity:    p.Quantity,
			Priority:    priority,
			DueDate:     p.DueDate,
			Status:      models.JobPending,
			CreatedByID: p.Actor.Name,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		Steps: Materialize(id, seq, e.newID),
	}
	for i := range snap.Steps {
		snap.Steps[i].UpdatedAt = now
	}
	Project(snap)

	mut := models.Mutation{
		History: []models.HistoryEntry{{
			JobCardID:      id,
			ActionType:     models.ActionCreated,
			AssignedByName: p.Actor.Name,
			Notes:          fmt.Sprintf("job card %s punched with %s sequence (%d steps)", jobNumber, productType, len(snap.Steps)),
		}},
		Events: []models.Event{jobEvent(models.EventJobCreated, snap, p.Actor)},
	}
	err = e.repo.CreateJob(ctx, snap, mut)
	e.observe("create", err)
	if err != nil {
		return nil, err
	}
	e.logger.Info("job card created", "job_id", id, "job_number", jobNumber, "product_type", productType, "steps", len(snap.Steps))
	e.notify(ctx, id)
	return snap, nil
}

// GetWorkflow returns the ordered step list. Jobs created before steps were materialized are
// answered with a reconstructed, read-only view.
func (e *Engine) GetWorkflow(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	snap, err := e.repo.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(snap.Steps) == 0 {
		if err := e.derive(ctx, snap); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Derive fills in reconstructed steps for a snapshot that has none. Dashboards use it to
// tolerate legacy jobs.
func (e *Engine) Derive(ctx context.Context, snap *models.JobSnapshot) error {
	if len(snap.Steps) > 0 {
		return nil
	}
	return e.derive(ctx, snap)
}

func (e *Engine) derive(ctx context.Context, snap *models.JobSnapshot) error {
	seq, err := e.seqs.SequenceForProductType(ctx, snap.Job.ProductType)
	if err != nil {
		return fmt.Errorf("resolve sequence for legacy job %s: %w", snap.Job.ID, err)
	}
	d := Reconstruct(snap.Job, seq, snap.History, e.newID)
	snap.Steps = d.Steps
	snap.Derived = true
	telemetry.HeuristicReconstructions.Inc()
	e.logger.Warn("workflow reconstructed from legacy state",
		"job_id", snap.Job.ID,
		"job_number", snap.Job.JobNumber,
		"rule", d.Rule,
		"active_sequence", d.Active)
	return nil
}

// ListJobs returns job cards matching filter, oldest first. Department queues use it.
func (e *Engine) ListJobs(ctx context.Context, filter models.JobFilter) ([]models.JobCard, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 500
	}
	return e.repo.ListJobs(ctx, filter)
}

// StartStep claims a pending step for its department.
func (e *Engine) StartStep(ctx context.Context, jobID string, seq int, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error) {
	var out models.WorkflowStep
	snap, err := e.mutate(ctx, "start", jobID, func(snap *models.JobSnapshot) (models.Mutation, error) {
		now := e.now()
		st, err := Start(snap, seq, actor, now, e.lease)
		if err != nil {
			return models.Mutation{}, err
		}
		if err := e.admitCutting(ctx, snap, st); err != nil {
			return models.Mutation{}, err
		}
		out = *st
		return stepMutation(models.EventStepStarted, models.ActionStarted, snap, st, actor, ""), nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, &out, nil
}

// admitCutting rejects a Cutting start while planning is not applied and no cutting assignment
// exists. The rejected mutation is discarded with the snapshot.
func (e *Engine) admitCutting(ctx context.Context, snap *models.JobSnapshot, st *models.WorkflowStep) error {
	if e.gate == nil || !strings.EqualFold(strings.TrimSpace(st.Department), models.CuttingDepartment) {
		return nil
	}
	ok, err := e.gate.CuttingAdmitted(ctx, snap.Job.ID)
	if err != nil {
		return fmt.Errorf("check cutting admission: %w", err)
	}
	if !ok {
		return models.Errorf(models.ErrOrderViolation, "cannot start %q: production planning for job %s is not applied and no cutting assignment exists", st.StepName, snap.Job.JobNumber)
	}
	return nil
}

// CompleteStep finishes the in-progress step and moves the cursor to the next pending step
// without starting it.
func (e *Engine) CompleteStep(ctx context.Context, jobID string, seq int, actor models.Actor, outputQty *int, notes string) (*models.JobSnapshot, *models.WorkflowStep, error) {
	var out models.WorkflowStep
	snap, err := e.mutate(ctx, "complete", jobID, func(snap *models.JobSnapshot) (models.Mutation, error) {
		st, err := Complete(snap, seq, actor, e.now(), outputQty, notes)
		if err != nil {
			return models.Mutation{}, err
		}
		out = *st
		mut := stepMutation(models.EventStepCompleted, models.ActionCompleted, snap, st, actor, notes)
		if outputQty != nil {
			mut.Events[0].Payload["output_qty"] = *outputQty
		}
		return mut, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, &out, nil
}

// BlockStep parks a step with a reason.
func (e *Engine) BlockStep(ctx context.Context, jobID string, seq int, actor models.Actor, reason string) (*models.JobSnapshot, *models.WorkflowStep, error) {
	return e.simpleStep(ctx, "block", jobID, actor, reason, models.EventStepBlocked, models.ActionBlocked, func(snap *models.JobSnapshot) (*models.WorkflowStep, error) {
		return Block(snap, seq, reason, e.now())
	})
}

// UnblockStep returns a blocked step to pending.
func (e *Engine) UnblockStep(ctx context.Context, jobID string, seq int, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error) {
	return e.simpleStep(ctx, "unblock", jobID, actor, "", models.EventStepUnblocked, models.ActionUnblocked, func(snap *models.JobSnapshot) (*models.WorkflowStep, error) {
		return Unblock(snap, seq, e.now())
	})
}

// SkipStep marks an optional step as not applicable.
func (e *Engine) SkipStep(ctx context.Context, jobID string, seq int, actor models.Actor, reason string) (*models.JobSnapshot, *models.WorkflowStep, error) {
	return e.simpleStep(ctx, "skip", jobID, actor, reason, models.EventStepSkipped, models.ActionSkipped, func(snap *models.JobSnapshot) (*models.WorkflowStep, error) {
		return Skip(snap, seq, reason, e.now())
	})
}

// Heartbeat extends the lease of an in-progress step. No ledger row is written.
func (e *Engine) Heartbeat(ctx context.Context, jobID string, seq int, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error) {
	var out models.WorkflowStep
	snap, err := e.mutate(ctx, "heartbeat", jobID, func(snap *models.JobSnapshot) (models.Mutation, error) {
		st, err := Heartbeat(snap, seq, e.now(), e.lease)
		if err != nil {
			return models.Mutation{}, err
		}
		out = *st
		return models.Mutation{Events: []models.Event{stepEvent(models.EventStepHeartbeat, snap, st, actor)}}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, &out, nil
}

func (e *Engine) simpleStep(ctx context.Context, op, jobID string, actor models.Actor, notes, eventType, action string, apply func(*models.JobSnapshot) (*models.WorkflowStep, error)) (*models.JobSnapshot, *models.WorkflowStep, error) {
	var out models.WorkflowStep
	snap, err := e.mutate(ctx, op, jobID, func(snap *models.JobSnapshot) (models.Mutation, error) {
		st, err := apply(snap)
		if err != nil {
			return models.Mutation{}, err
		}
		out = *st
		return stepMutation(eventType, action, snap, st, actor, notes), nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, &out, nil
}

// CancelJob soft-cancels a job card.
func (e *Engine) CancelJob(ctx context.Context, jobID string, actor models.Actor, reason string) (*models.JobSnapshot, error) {
	return e.jobOp(ctx, "cancel", jobID, actor, reason, models.EventJobCancelled, models.ActionCancelled, func(snap *models.JobSnapshot) error {
		return Cancel(snap, reason, e.now())
	})
}

// HoldJob pauses a job card.
func (e *Engine) HoldJob(ctx context.Context, jobID string, actor models.Actor, reason string) (*models.JobSnapshot, error) {
	return e.jobOp(ctx, "hold", jobID, actor, reason, models.EventJobOnHold, models.ActionOnHold, func(snap *models.JobSnapshot) error {
		return Hold(snap, reason, e.now())
	})
}

// ResumeJob lifts a hold.
func (e *Engine) ResumeJob(ctx context.Context, jobID string, actor models.Actor) (*models.JobSnapshot, error) {
	return e.jobOp(ctx, "resume", jobID, actor, "", models.EventJobResumed, models.ActionResumed, func(snap *models.JobSnapshot) error {
		return Resume(snap, e.now())
	})
}

func (e *Engine) jobOp(ctx context.Context, op, jobID string, actor models.Actor, notes, eventType, action string, apply func(*models.JobSnapshot) error) (*models.JobSnapshot, error) {
	return e.mutate(ctx, op, jobID, func(snap *models.JobSnapshot) (models.Mutation, error) {
		if err := apply(snap); err != nil {
			return models.Mutation{}, err
		}
		return models.Mutation{
			History: []models.HistoryEntry{{
				JobCardID:      snap.Job.ID,
				ActionType:     action,
				AssignedByName: actor.Name,
				Notes:          notes,
			}},
			Events: []models.Event{jobEvent(eventType, snap, actor)},
		}, nil
	})
}

// SweepStalled emits one step.stalled event per expired lease. It returns how many steps were
// flagged.
func (e *Engine) SweepStalled(ctx context.Context, limit int) (int, error) {
	now := e.now()
	ids, err := e.repo.StalledJobIDs(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, id := range ids {
		var hit bool
		_, err := e.mutate(ctx, "stall", id, func(snap *models.JobSnapshot) (models.Mutation, error) {
			st, ok := MarkStalled(snap, now)
			if !ok {
				return models.Mutation{}, nil
			}
			hit = true
			ev := stepEvent(models.EventStepStalled, snap, st, models.Actor{Name: "system"})
			ev.Payload["lease_expires_at"] = st.LeaseExpiresAt
			return models.Mutation{Events: []models.Event{ev}}, nil
		})
		if err != nil {
			e.logger.Warn("stall sweep failed", "job_id", id, "error", err)
			continue
		}
		if hit {
			flagged++
			e.logger.Warn("step lease expired", "job_id", id)
		}
	}
	return flagged, nil
}

// CountStalled returns how many steps are stalled right now.
func (e *Engine) CountStalled(ctx context.Context) (int, error) {
	return e.repo.CountStalled(ctx, e.now())
}

// Backfill materializes reconstructed step rows for legacy jobs. It is a one-time migration and
// returns how many jobs were written.
func (e *Engine) Backfill(ctx context.Context, limit int) (int, error) {
	ids, err := e.repo.UnmaterializedJobIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		_, err := e.mutate(ctx, "backfill", id, func(snap *models.JobSnapshot) (models.Mutation, error) {
			return models.Mutation{}, nil
		})
		if err != nil {
			return n, fmt.Errorf("backfill job %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// mutate runs fn under the job lock. Jobs without persisted steps are materialized from the
// reconstruction first, so every write leaves real rows behind.
func (e *Engine) mutate(ctx context.Context, op, jobID string, fn MutateFunc) (*models.JobSnapshot, error) {
	snap, err := e.repo.MutateJob(ctx, jobID, func(snap *models.JobSnapshot) (models.Mutation, error) {
		if len(snap.Steps) == 0 {
			if err := e.derive(ctx, snap); err != nil {
				return models.Mutation{}, err
			}
			Project(snap)
		}
		return fn(snap)
	})
	e.observe(op, err)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, jobID)
	return snap, nil
}

func (e *Engine) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if typed, ok := models.AsError(err); ok {
			result = strings.ToLower(string(typed.Code))
		}
	}
	telemetry.WorkflowTransitions.WithLabelValues(op, result).Inc()
}

func (e *Engine) notify(ctx context.Context, jobID string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Flush(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
		// The worker sweep redelivers whatever is left in the outbox.
		e.logger.Warn("event flush deferred", "job_id", jobID, "error", err)
	}
}

func normalizePriority(p string) (string, error) {
	p = strings.ToUpper(strings.TrimSpace(p))
	switch p {
	case "":
		return models.PriorityMedium, nil
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh, models.PriorityUrgent:
		return p, nil
	}
	return "", models.Errorf(models.ErrValidation, "unknown priority %q", p)
}

func jobEvent(typ string, snap *models.JobSnapshot, actor models.Actor) models.Event {
	return models.Event{
		JobCardID: snap.Job.ID,
		Type:      typ,
		Payload: map[string]any{
			"job_number":         snap.Job.JobNumber,
			"status":             snap.Job.Status,
			"current_department": snap.Job.CurrentDepartment,
			"current_step":       snap.Job.CurrentStep,
			"workflow_status":    snap.Job.WorkflowStatus,
			"actor":              actor.Name,
		},
	}
}

func stepEvent(typ string, snap *models.JobSnapshot, st *models.WorkflowStep, actor models.Actor) models.Event {
	ev := jobEvent(typ, snap, actor)
	ev.Payload["sequence_number"] = st.SequenceNumber
	ev.Payload["step_name"] = st.StepName
	ev.Payload["department"] = st.Department
	ev.Payload["step_status"] = st.Status
	return ev
}

func stepMutation(eventType, action string, snap *models.JobSnapshot, st *models.WorkflowStep, actor models.Actor, notes string) models.Mutation {
	return models.Mutation{
		History: []models.HistoryEntry{{
			JobCardID:      snap.Job.ID,
			ActionType:     action,
			StepName:       st.StepName,
			AssignedToName: actor.Name,
			AssignedByName: actor.Name,
			Notes:          notes,
		}},
		Events: []models.Event{stepEvent(eventType, snap, st, actor)},
	}
}
