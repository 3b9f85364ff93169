package models

import "time"

// Step execution states.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepBlocked    = "blocked"
	StepSkipped    = "skipped"
)

// WorkflowStep is the execution instance of a ProcessStep for one job card.
type WorkflowStep struct {
	ID                string     `json:"id"`
	JobCardID         string     `json:"job_card_id"`
	SequenceNumber    int        `json:"sequence_number"`
	StepName          string     `json:"step_name"`
	Department        string     `json:"department"`
	IsCompulsory      bool       `json:"is_compulsory"`
	Status            string     `json:"status"`
	StatusMessage     string     `json:"status_message,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at,omitempty"`
	StalledNotifiedAt *time.Time `json:"-"`
	OutputQty         *int       `json:"output_qty,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	StartedBy         string     `json:"started_by,omitempty"`
	CompletedBy       string     `json:"completed_by,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Done reports whether the step no longer blocks its successors.
func (s WorkflowStep) Done() bool {
	return s.Status == StepCompleted || s.Status == StepSkipped
}

// Stalled reports whether an in-progress step has outlived its lease.
func (s WorkflowStep) Stalled(now time.Time) bool {
	return s.Status == StepInProgress && s.LeaseExpiresAt != nil && now.After(*s.LeaseExpiresAt)
}

// DwellTime is completedAt - startedAt for finished steps.
func (s WorkflowStep) DwellTime() (time.Duration, bool) {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0, false
	}
	return s.CompletedAt.Sub(*s.StartedAt), true
}

// JobSnapshot is a job card together with its step collection, loaded under one lock.
// Derived is set when the steps were reconstructed from the ledger instead of read from rows.
type JobSnapshot struct {
	Job     JobCard        `json:"job"`
	Steps   []WorkflowStep `json:"steps"`
	History []HistoryEntry `json:"-"`
	Derived bool           `json:"derived"`
}

// Step returns a pointer into Steps for the given sequence number.
func (s *JobSnapshot) Step(seq int) *WorkflowStep {
	for i := range s.Steps {
		if s.Steps[i].SequenceNumber == seq {
			return &s.Steps[i]
		}
	}
	return nil
}

// Mutation is what a transition wants appended alongside the rewritten snapshot.
type Mutation struct {
	History []HistoryEntry
	Events  []Event
}
