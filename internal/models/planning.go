package models

import "time"

// Planning states. Forward order is PENDING, PLANNED, LOCKED, APPLIED.
const (
	PlanningPending = "PENDING"
	PlanningPlanned = "PLANNED"
	PlanningLocked  = "LOCKED"
	PlanningApplied = "APPLIED"
)

// Cutting assignment states.
const (
	CuttingAssigned   = "ASSIGNED"
	CuttingInProgress = "IN_PROGRESS"
	CuttingCompleted  = "COMPLETED"
)

// CuttingDepartment is the department gated by production planning.
const CuttingDepartment = "Cutting"

// Layout is a sheet/cutting layout proposal.
type Layout struct {
	FinalTotalSheets  int    `json:"final_total_sheets"`
	CuttingLayoutType string `json:"cutting_layout_type"`
	GridPattern       string `json:"grid_pattern"`
	BlanksPerSheet    int    `json:"blanks_per_sheet"`
}

// IsZero reports whether no layout field was supplied.
func (l Layout) IsZero() bool {
	return l == Layout{}
}

// Planning is the production planning companion record of a job card.
type Planning struct {
	JobCardID string     `json:"job_card_id"`
	Status    string     `json:"planning_status"`
	Layout    Layout     `json:"layout"`
	PlannedAt *time.Time `json:"planned_at,omitempty"`
	PlannedBy string     `json:"planned_by,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	LockedBy  string     `json:"locked_by,omitempty"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CuttingAssignment links a job card to the operator or team doing its cutting.
type CuttingAssignment struct {
	ID         string     `json:"id"`
	JobCardID  string     `json:"job_card_id"`
	AssignedTo string     `json:"assigned_to"`
	AssignedBy string     `json:"assigned_by"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Comments   string     `json:"comments,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CuttingQueueEntry is a job visible on the cutting dashboard, with the reasons it is visible.
type CuttingQueueEntry struct {
	Job             JobCard            `json:"job"`
	PlanningStatus  string             `json:"planning_status"`
	Assignment      *CuttingAssignment `json:"assignment,omitempty"`
	InCuttingDept   bool               `json:"in_cutting_department"`
	PlanningApplied bool               `json:"planning_applied"`
	HasAssignment   bool               `json:"has_cutting_assignment"`
}
