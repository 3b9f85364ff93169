package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"horizon-workflow/internal/models"
)

const planningColumns = `job_card_id, planning_status, final_total_sheets, cutting_layout_type, grid_pattern, blanks_per_sheet,
	planned_at, planned_by, locked_at, locked_by, version, updated_at`

const cuttingColumns = `id, job_card_id, assigned_to, assigned_by, status, started_at, finished_at, comments, created_at`

func scanPlanning(row pgx.Row) (models.Planning, error) {
	var p models.Planning
	err := row.Scan(&p.JobCardID, &p.Status, &p.Layout.FinalTotalSheets, &p.Layout.CuttingLayoutType, &p.Layout.GridPattern, &p.Layout.BlanksPerSheet,
		&p.PlannedAt, &p.PlannedBy, &p.LockedAt, &p.LockedBy, &p.Version, &p.UpdatedAt)
	return p, err
}

func scanCutting(row pgx.Row) (models.CuttingAssignment, error) {
	var a models.CuttingAssignment
	err := row.Scan(&a.ID, &a.JobCardID, &a.AssignedTo, &a.AssignedBy, &a.Status, &a.StartedAt, &a.FinishedAt, &a.Comments, &a.CreatedAt)
	return a, err
}

// GetPlanning returns the planning record, PENDING for jobs that never had one written.
func (s *Store) GetPlanning(ctx context.Context, jobID string) (models.Planning, error) {
	p, err := scanPlanning(s.pool.QueryRow(ctx, `SELECT `+planningColumns+` FROM job_production_planning WHERE job_card_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := jobVersion(ctx, s.pool, jobID); err != nil {
			return models.Planning{}, err
		}
		return models.Planning{JobCardID: jobID, Status: models.PlanningPending}, nil
	}
	if err != nil {
		return models.Planning{}, fmt.Errorf("query planning: %w", err)
	}
	return p, nil
}

// MutatePlanning locks only the planning row. Legacy jobs get their PENDING row created here.
func (s *Store) MutatePlanning(ctx context.Context, jobID string, fn func(*models.Planning) ([]models.Event, error)) (models.Planning, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Planning{}, err
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO job_production_planning (job_card_id, planning_status, version, updated_at)
		SELECT id, $2, 0, NOW() FROM job_cards WHERE id = $1
		ON CONFLICT (job_card_id) DO NOTHING
	`, jobID, models.PlanningPending); err != nil {
		return models.Planning{}, mapError(err, "ensure planning row")
	}
	p, err := scanPlanning(tx.QueryRow(ctx, `SELECT `+planningColumns+` FROM job_production_planning WHERE job_card_id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Planning{}, models.Errorf(models.ErrJobNotFound, "job %s", jobID)
	}
	if err != nil {
		return models.Planning{}, mapError(err, "lock planning")
	}

	evs, err := fn(&p)
	if err != nil {
		return models.Planning{}, err
	}

	err = tx.QueryRow(ctx, `
		UPDATE job_production_planning
		SET planning_status = $2, final_total_sheets = $3, cutting_layout_type = $4, grid_pattern = $5, blanks_per_sheet = $6,
			planned_at = $7, planned_by = $8, locked_at = $9, locked_by = $10, version = version + 1, updated_at = NOW()
		WHERE job_card_id = $1
		RETURNING version, updated_at
	`, jobID, p.Status, p.Layout.FinalTotalSheets, p.Layout.CuttingLayoutType, p.Layout.GridPattern, p.Layout.BlanksPerSheet,
		p.PlannedAt, p.PlannedBy, p.LockedAt, p.LockedBy).Scan(&p.Version, &p.UpdatedAt)
	if err != nil {
		return models.Planning{}, mapError(err, "update planning")
	}
	version, err := jobVersion(ctx, tx, jobID)
	if err != nil {
		return models.Planning{}, err
	}
	if err := insertEvents(ctx, tx, jobID, version, evs); err != nil {
		return models.Planning{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Planning{}, mapError(err, "commit")
	}
	return p, nil
}

// GetCuttingAssignment returns the job's assignment or nil.
func (s *Store) GetCuttingAssignment(ctx context.Context, jobID string) (*models.CuttingAssignment, error) {
	a, err := scanCutting(s.pool.QueryRow(ctx, `SELECT `+cuttingColumns+` FROM cutting_assignments WHERE job_card_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := jobVersion(ctx, s.pool, jobID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cutting assignment: %w", err)
	}
	return &a, nil
}

// SaveCuttingAssignment inserts the assignment. With overwrite the assignee of an existing row is
// replaced; without it an existing row wins and nothing is written.
func (s *Store) SaveCuttingAssignment(ctx context.Context, a models.CuttingAssignment, overwrite bool, mut models.Mutation) (models.CuttingAssignment, bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.CuttingAssignment{}, false, err
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	version, err := jobVersion(ctx, tx, a.JobCardID)
	if err != nil {
		return models.CuttingAssignment{}, false, err
	}
	conflict := `ON CONFLICT (job_card_id) DO NOTHING`
	if overwrite {
		conflict = `ON CONFLICT (job_card_id) DO UPDATE SET assigned_to = EXCLUDED.assigned_to,
			assigned_by = EXCLUDED.assigned_by, comments = EXCLUDED.comments`
	}
	saved, err := scanCutting(tx.QueryRow(ctx, `
		INSERT INTO cutting_assignments (`+cuttingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`+conflict+`
		RETURNING `+cuttingColumns,
		a.ID, a.JobCardID, a.AssignedTo, a.AssignedBy, a.Status, a.StartedAt, a.FinishedAt, a.Comments, a.CreatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanCutting(tx.QueryRow(ctx, `SELECT `+cuttingColumns+` FROM cutting_assignments WHERE job_card_id = $1`, a.JobCardID))
		if err != nil {
			return models.CuttingAssignment{}, false, fmt.Errorf("query cutting assignment: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return models.CuttingAssignment{}, false, mapError(err, "save cutting assignment")
	}
	if _, err := insertHistory(ctx, tx, a.JobCardID, mut.History); err != nil {
		return models.CuttingAssignment{}, false, err
	}
	if err := insertEvents(ctx, tx, a.JobCardID, version, mut.Events); err != nil {
		return models.CuttingAssignment{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CuttingAssignment{}, false, mapError(err, "commit")
	}
	return saved, true, nil
}

// CuttingQueue lists open jobs visible to cutting: cursor in Cutting, planning applied, or an
// assignment on file.
func (s *Store) CuttingQueue(ctx context.Context, limit int) ([]models.CuttingQueueEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed("j", jobColumns)+`,
			COALESCE(p.planning_status, $1),
			c.id, c.assigned_to, c.assigned_by, c.status, c.started_at, c.finished_at, c.comments, c.created_at
		FROM job_cards j
		LEFT JOIN job_production_planning p ON p.job_card_id = j.id
		LEFT JOIN cutting_assignments c ON c.job_card_id = j.id
		WHERE j.status NOT IN ($2, $3)
			AND (LOWER(j.current_department) = LOWER($4) OR p.planning_status = $5 OR c.id IS NOT NULL)
		ORDER BY j.created_at
		LIMIT $6
	`, models.PlanningPending, models.JobCompleted, models.JobCancelled, models.CuttingDepartment, models.PlanningApplied, limit)
	if err != nil {
		return nil, fmt.Errorf("query cutting queue: %w", err)
	}
	defer rows.Close()

	var out []models.CuttingQueueEntry
	for rows.Next() {
		var (
			j          models.JobCard
			e          models.CuttingQueueEntry
			cid, to    pgtype.Text
			by, status pgtype.Text
			comments   pgtype.Text
			a          models.CuttingAssignment
			created    pgtype.Timestamptz
		)
		if err := rows.Scan(&j.ID, &j.JobNumber, &j.ProductID, &j.ProductType, &j.CompanyID, &j.Quantity, &j.Priority, &j.DueDate, &j.Status,
			&j.CurrentDepartment, &j.CurrentStep, &j.CurrentSequence, &j.WorkflowStatus, &j.StatusMessage, &j.CreatedByID,
			&j.Version, &j.CreatedAt, &j.UpdatedAt,
			&e.PlanningStatus,
			&cid, &to, &by, &status, &a.StartedAt, &a.FinishedAt, &comments, &created); err != nil {
			return nil, fmt.Errorf("scan cutting queue: %w", err)
		}
		e.Job = j
		e.InCuttingDept = equalFold(j.CurrentDepartment, models.CuttingDepartment)
		e.PlanningApplied = e.PlanningStatus == models.PlanningApplied
		if cid.Valid {
			a.ID, a.JobCardID = cid.String, j.ID
			a.AssignedTo, a.AssignedBy, a.Status, a.Comments = to.String, by.String, status.String, comments.String
			a.CreatedAt = created.Time
			e.Assignment = &a
			e.HasAssignment = true
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
