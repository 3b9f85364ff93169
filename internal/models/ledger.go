package models

import "time"

// Ledger action types.
const (
	ActionCreated   = "CREATED"
	ActionAssigned  = "ASSIGNED"
	ActionStarted   = "STARTED"
	ActionCompleted = "COMPLETED"
	ActionBlocked   = "BLOCKED"
	ActionUnblocked = "UNBLOCKED"
	ActionSkipped   = "SKIPPED"
	ActionCancelled = "CANCELLED"
	ActionOnHold    = "ON_HOLD"
	ActionResumed   = "RESUMED"
	ActionNote      = "NOTE"
)

// HistoryEntry is one immutable row of the assignment ledger.
type HistoryEntry struct {
	ID             int64     `json:"id"`
	JobCardID      string    `json:"job_card_id"`
	ActionType     string    `json:"action_type"`
	StepName       string    `json:"step_name,omitempty"`
	AssignedToName string    `json:"assigned_to_name,omitempty"`
	AssignedByName string    `json:"assigned_by_name,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
