package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"horizon-workflow/internal/models"
)

const jobColumns = `id, job_number, product_id, product_type, company_id, quantity, priority, due_date, status,
	current_department, current_step, current_sequence, workflow_status, status_message, created_by_id,
	version, created_at, updated_at`

const stepColumns = `id, job_card_id, sequence_number, step_name, department, is_compulsory, status, status_message,
	started_at, completed_at, lease_expires_at, stalled_notified_at, output_qty, notes, started_by, completed_by, updated_at`

const historyColumns = `id, job_card_id, action_type, step_name, assigned_to_name, assigned_by_name, notes, created_at`

func scanJob(row pgx.Row) (models.JobCard, error) {
	var j models.JobCard
	err := row.Scan(&j.ID, &j.JobNumber, &j.ProductID, &j.ProductType, &j.CompanyID, &j.Quantity, &j.Priority, &j.DueDate, &j.Status,
		&j.CurrentDepartment, &j.CurrentStep, &j.CurrentSequence, &j.WorkflowStatus, &j.StatusMessage, &j.CreatedByID,
		&j.Version, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func scanStep(row pgx.CollectableRow) (models.WorkflowStep, error) {
	var st models.WorkflowStep
	err := row.Scan(&st.ID, &st.JobCardID, &st.SequenceNumber, &st.StepName, &st.Department, &st.IsCompulsory, &st.Status, &st.StatusMessage,
		&st.StartedAt, &st.CompletedAt, &st.LeaseExpiresAt, &st.StalledNotifiedAt, &st.OutputQty, &st.Notes, &st.StartedBy, &st.CompletedBy, &st.UpdatedAt)
	return st, err
}

func scanHistory(row pgx.CollectableRow) (models.HistoryEntry, error) {
	var h models.HistoryEntry
	err := row.Scan(&h.ID, &h.JobCardID, &h.ActionType, &h.StepName, &h.AssignedToName, &h.AssignedByName, &h.Notes, &h.CreatedAt)
	return h, err
}

// CreateJob inserts the job card, its materialized steps and a PENDING planning record.
func (s *Store) CreateJob(ctx context.Context, snap *models.JobSnapshot, mut models.Mutation) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	j := snap.Job
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_cards (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, j.ID, j.JobNumber, j.ProductID, j.ProductType, j.CompanyID, j.Quantity, j.Priority, j.DueDate, j.Status,
		j.CurrentDepartment, j.CurrentStep, j.CurrentSequence, j.WorkflowStatus, j.StatusMessage, j.CreatedByID,
		j.Version, j.CreatedAt, j.UpdatedAt); err != nil {
		return mapError(err, "insert job card "+j.JobNumber)
	}
	if err := upsertSteps(ctx, tx, snap.Steps); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_production_planning (job_card_id, planning_status, version, updated_at)
		VALUES ($1, $2, 1, $3)
	`, j.ID, models.PlanningPending, j.CreatedAt); err != nil {
		return mapError(err, "insert planning")
	}
	if _, err := insertHistory(ctx, tx, j.ID, mut.History); err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, j.ID, j.Version, mut.Events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadJob reads a snapshot without locking.
func (s *Store) LoadJob(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	return loadSnapshot(ctx, s.pool, jobID, false)
}

func loadSnapshot(ctx context.Context, q querier, jobID string, forUpdate bool) (*models.JobSnapshot, error) {
	sql := `SELECT ` + jobColumns + ` FROM job_cards WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	job, err := scanJob(q.QueryRow(ctx, sql, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.Errorf(models.ErrJobNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, mapError(err, "load job")
	}
	rows, err := q.Query(ctx, `SELECT `+stepColumns+` FROM job_workflow_steps WHERE job_card_id = $1 ORDER BY sequence_number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	steps, err := pgx.CollectRows(rows, scanStep)
	if err != nil {
		return nil, fmt.Errorf("scan steps: %w", err)
	}
	rows, err = q.Query(ctx, `SELECT `+historyColumns+` FROM job_assignment_history WHERE job_card_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	history, err := pgx.CollectRows(rows, scanHistory)
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return &models.JobSnapshot{Job: job, Steps: steps, History: history}, nil
}

// MutateJob locks the job card row, applies fn and writes the result in the same transaction.
// The version guard on the update catches writers that bypassed the row lock.
func (s *Store) MutateJob(ctx context.Context, jobID string, fn func(*models.JobSnapshot) (models.Mutation, error)) (*models.JobSnapshot, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	snap, err := loadSnapshot(ctx, tx, jobID, true)
	if err != nil {
		return nil, err
	}
	loaded := snap.Job.Version

	mut, err := fn(snap)
	if err != nil {
		return nil, err
	}

	snap.Job.Version = loaded + 1
	snap.Job.UpdatedAt = time.Now().UTC()
	if err := upsertSteps(ctx, tx, snap.Steps); err != nil {
		return nil, err
	}
	j := snap.Job
	tag, err := tx.Exec(ctx, `
		UPDATE job_cards
		SET status = $3, current_department = $4, current_step = $5, current_sequence = $6, workflow_status = $7,
			status_message = $8, version = $9, updated_at = $10
		WHERE id = $1 AND version = $2
	`, j.ID, loaded, j.Status, j.CurrentDepartment, j.CurrentStep, j.CurrentSequence, j.WorkflowStatus,
		j.StatusMessage, j.Version, j.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "update job card")
	}
	if tag.RowsAffected() == 0 {
		return nil, models.Errorf(models.ErrConcurrentModification, "job %s changed from version %d", jobID, loaded)
	}
	added, err := insertHistory(ctx, tx, jobID, mut.History)
	if err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, jobID, j.Version, mut.Events); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err, "commit")
	}
	snap.History = append(snap.History, added...)
	snap.Derived = false
	return snap, nil
}

func upsertSteps(ctx context.Context, tx pgx.Tx, steps []models.WorkflowStep) error {
	if len(steps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, st := range steps {
		batch.Queue(`
			INSERT INTO job_workflow_steps (`+stepColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (job_card_id, sequence_number) DO UPDATE SET
				status = EXCLUDED.status, status_message = EXCLUDED.status_message,
				started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
				lease_expires_at = EXCLUDED.lease_expires_at, stalled_notified_at = EXCLUDED.stalled_notified_at,
				output_qty = EXCLUDED.output_qty, notes = EXCLUDED.notes,
				started_by = EXCLUDED.started_by, completed_by = EXCLUDED.completed_by, updated_at = EXCLUDED.updated_at
		`, st.ID, st.JobCardID, st.SequenceNumber, st.StepName, st.Department, st.IsCompulsory, st.Status, st.StatusMessage,
			st.StartedAt, st.CompletedAt, st.LeaseExpiresAt, st.StalledNotifiedAt, st.OutputQty, st.Notes, st.StartedBy, st.CompletedBy, st.UpdatedAt)
	}
	br := tx.SendBatch(ctx, batch)
	for range steps {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return mapError(err, "upsert step")
		}
	}
	return br.Close()
}

// StalledJobIDs lists in-progress jobs holding a step whose lease expired and was not yet
// reported.
func (s *Store) StalledJobIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT s.job_card_id
		FROM job_workflow_steps s
		JOIN job_cards j ON j.id = s.job_card_id
		WHERE j.status = $1 AND s.status = $2 AND s.lease_expires_at < $3 AND s.stalled_notified_at IS NULL
		LIMIT $4
	`, models.JobInProgress, models.StepInProgress, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query stalled jobs: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CountStalled counts in-progress steps with an expired lease, whether or not the stall was
// reported.
func (s *Store) CountStalled(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM job_workflow_steps s
		JOIN job_cards j ON j.id = s.job_card_id
		WHERE j.status = $1 AND s.status = $2 AND s.lease_expires_at < $3
	`, models.JobInProgress, models.StepInProgress, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stalled steps: %w", err)
	}
	return n, nil
}

// UnmaterializedJobIDs lists legacy job cards that have no step rows.
func (s *Store) UnmaterializedJobIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT j.id FROM job_cards j
		WHERE NOT EXISTS (SELECT 1 FROM job_workflow_steps s WHERE s.job_card_id = j.id)
		ORDER BY j.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unmaterialized jobs: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func jobFilterSQL(f models.JobFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Department != "" {
		args = append(args, f.Department)
		where = append(where, fmt.Sprintf("LOWER(current_department) = LOWER($%d)", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, f.Statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !f.ActiveSince.IsZero() {
		args = append(args, []string{models.JobCompleted, models.JobCancelled}, f.ActiveSince)
		where = append(where, fmt.Sprintf("(status <> ALL($%d) OR updated_at >= $%d)", len(args)-1, len(args)))
	}
	if f.TouchesDepartment != "" {
		args = append(args, f.TouchesDepartment)
		where = append(where, fmt.Sprintf(`(LOWER(current_department) = LOWER($%[1]d) OR EXISTS (
			SELECT 1 FROM job_workflow_steps s WHERE s.job_card_id = job_cards.id AND LOWER(s.department) = LOWER($%[1]d)))`, len(args)))
	}
	sql := `SELECT ` + jobColumns + ` FROM job_cards`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sql, args
}

// ListJobs returns job cards matching f, oldest first.
func (s *Store) ListJobs(ctx context.Context, f models.JobFilter) ([]models.JobCard, error) {
	sql, args := jobFilterSQL(f)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JobCard, error) {
		return scanJob(row)
	})
}

// ListSnapshots returns job cards matching f with their steps and history, for aggregation.
func (s *Store) ListSnapshots(ctx context.Context, f models.JobFilter) ([]models.JobSnapshot, error) {
	jobs, err := s.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(jobs))
	index := make(map[string]int, len(jobs))
	out := make([]models.JobSnapshot, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
		index[j.ID] = i
		out[i].Job = j
	}

	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM job_workflow_steps WHERE job_card_id = ANY($1) ORDER BY job_card_id, sequence_number`, ids)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	steps, err := pgx.CollectRows(rows, scanStep)
	if err != nil {
		return nil, fmt.Errorf("scan steps: %w", err)
	}
	for _, st := range steps {
		i := index[st.JobCardID]
		out[i].Steps = append(out[i].Steps, st)
	}

	rows, err = s.pool.Query(ctx, `SELECT `+historyColumns+` FROM job_assignment_history WHERE job_card_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	history, err := pgx.CollectRows(rows, scanHistory)
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	for _, h := range history {
		i := index[h.JobCardID]
		out[i].History = append(out[i].History, h)
	}
	return out, nil
}
