package models

import "time"

// Event types written to the outbox.
const (
	EventJobCreated       = "job.created"
	EventJobCancelled     = "job.cancelled"
	EventJobOnHold        = "job.on_hold"
	EventJobResumed       = "job.resumed"
	EventStepStarted      = "step.started"
	EventStepCompleted    = "step.completed"
	EventStepBlocked      = "step.blocked"
	EventStepUnblocked    = "step.unblocked"
	EventStepSkipped      = "step.skipped"
	EventStepHeartbeat    = "step.heartbeat"
	EventStepStalled      = "step.stalled"
	EventPlanningPlanned  = "planning.planned"
	EventPlanningLocked   = "planning.locked"
	EventPlanningUnlocked = "planning.unlocked"
	EventPlanningApplied  = "planning.applied"
	EventPlanningReset    = "planning.reset"
	EventCuttingAssigned  = "cutting.assigned"
	EventLedgerRecorded   = "ledger.recorded"
)

// Event is a status-change notification for dashboards. ID is assigned by the outbox and is
// strictly increasing per job card, which is the order subscribers must observe.
type Event struct {
	ID         int64          `json:"id"`
	JobCardID  string         `json:"job_card_id"`
	Type       string         `json:"type"`
	JobVersion int64          `json:"job_version"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
