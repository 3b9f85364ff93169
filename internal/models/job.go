package models

import (
	"time"
)

// Job card lifecycle flags. The step cursor carries the fine-grained position.
const (
	JobPending    = "PENDING"
	JobInProgress = "IN_PROGRESS"
	JobCompleted  = "COMPLETED"
	JobCancelled  = "CANCELLED"
	JobOnHold     = "ON_HOLD"
)

// Job priorities accepted on creation.
const (
	PriorityLow    = "LOW"
	PriorityMedium = "MEDIUM"
	PriorityHigh   = "HIGH"
	PriorityUrgent = "URGENT"
)

// JobCard is one customer order moving through the factory.
// CurrentDepartment, CurrentStep, CurrentSequence and WorkflowStatus are a projection of the
// step collection and are only ever written together with it.
type JobCard struct {
	ID                string     `json:"id"`
	JobNumber         string     `json:"job_number"`
	ProductID         string     `json:"product_id"`
	ProductType       string     `json:"product_type"`
	CompanyID         string     `json:"company_id"`
	Quantity          int        `json:"quantity"`
	Priority          string     `json:"priority"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	Status            string     `json:"status"`
	CurrentDepartment string     `json:"current_department"`
	CurrentStep       string     `json:"current_step"`
	CurrentSequence   int        `json:"current_sequence"`
	WorkflowStatus    string     `json:"workflow_status"`
	StatusMessage     string     `json:"status_message,omitempty"`
	CreatedByID       string     `json:"created_by_id"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Terminal reports whether the job accepts no further step transitions.
func (j JobCard) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobCancelled
}

// Actor identifies who performed an operation. Authentication happens upstream.
type Actor struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// Product is the slice of the product catalog the workflow needs.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProductType string `json:"product_type"`
	CompanyID   string `json:"company_id"`
}

// JobFilter narrows job listings for dashboards and department queues.
type JobFilter struct {
	// Department matches the cursor department, ignoring case.
	Department string
	Statuses   []string
	// ActiveSince keeps jobs that are not terminal or were updated at or after it.
	ActiveSince time.Time
	// TouchesDepartment keeps jobs whose cursor is in the department or that hold a step there.
	TouchesDepartment string
	Limit             int
}
