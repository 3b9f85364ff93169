package workflow

import (
	"strings"
	"time"

	"horizon-workflow/internal/models"
)

// Rules reported by Reconstruct.
const (
	RuleNone              = "none"
	RuleJobCompleted      = "job_completed"
	RuleCurrentDepartment = "current_department"
	RuleHistory           = "assignment_history"
)

// Derivation is the best-effort step state of a job that has no persisted step rows.
type Derivation struct {
	Steps []models.WorkflowStep
	Rule  string
	// Active is the sequence number considered in progress, 0 when none.
	Active int
}

// Reconstruct infers step state for legacy job cards from the cursor department and the
// assignment ledger. It is a migration fallback only: the result is approximate because it
// relies on substring matches between free-text names.
//
//  1. a step whose name or department matches job.CurrentDepartment is active
//  2. a step named by a ledger row is at least started; COMPLETED rows finish it
//  3. every step before the furthest active step is completed
func Reconstruct(job models.JobCard, seq models.ProcessSequence, history []models.HistoryEntry, newID func() string) Derivation {
	steps := Materialize(job.ID, seq, newID)
	d := Derivation{Steps: steps, Rule: RuleNone}
	if len(steps) == 0 {
		return d
	}

	if job.Status == models.JobCompleted {
		for i := range steps {
			steps[i].Status = models.StepCompleted
		}
		d.Rule = RuleJobCompleted
		return d
	}

	deptIdx := matchDepartment(steps, job.CurrentDepartment)
	histIdx, completed := -1, -1
	var activeAt *time.Time
	for _, h := range history {
		switch h.ActionType {
		case models.ActionCreated, models.ActionCancelled, models.ActionOnHold, models.ActionResumed:
			continue
		}
		idx := matchHistory(steps, h)
		if idx < 0 {
			continue
		}
		if h.ActionType == models.ActionCompleted || h.ActionType == models.ActionSkipped {
			completed = max(completed, idx)
			continue
		}
		if idx >= histIdx {
			histIdx = idx
			at := h.CreatedAt
			activeAt = &at
		}
	}

	active := deptIdx
	if deptIdx >= 0 {
		d.Rule = RuleCurrentDepartment
	}
	if histIdx > deptIdx {
		active = histIdx
		d.Rule = RuleHistory
	} else {
		activeAt = nil
	}

	if completed >= active {
		for i := 0; i <= completed; i++ {
			steps[i].Status = models.StepCompleted
		}
		if completed >= 0 && d.Rule == RuleNone {
			d.Rule = RuleHistory
		}
		return d
	}

	for i := 0; i < active; i++ {
		steps[i].Status = models.StepCompleted
	}
	steps[active].Status = models.StepInProgress
	if activeAt == nil {
		at := job.UpdatedAt
		activeAt = &at
	}
	steps[active].StartedAt = activeAt
	d.Active = steps[active].SequenceNumber
	return d
}

// matchDepartment finds the step the cursor department refers to, preferring an exact match on
// department or name over a substring match.
func matchDepartment(steps []models.WorkflowStep, department string) int {
	if strings.TrimSpace(department) == "" {
		return -1
	}
	for i, s := range steps {
		if strings.EqualFold(s.Department, department) || strings.EqualFold(s.StepName, department) {
			return i
		}
	}
	for i, s := range steps {
		if fuzzy(s.StepName, department) || fuzzy(s.Department, department) {
			return i
		}
	}
	return -1
}

// matchHistory returns the furthest step a ledger row mentions.
func matchHistory(steps []models.WorkflowStep, h models.HistoryEntry) int {
	found := -1
	for i, s := range steps {
		if strings.EqualFold(s.StepName, h.StepName) {
			return i
		}
		if fuzzy(s.StepName, h.StepName) || containsFold(h.Notes, s.StepName) {
			found = i
		}
	}
	return found
}

// fuzzy reports whether either string contains the other, ignoring case.
func fuzzy(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return containsFold(a, b) || containsFold(b, a)
}

func containsFold(s, sub string) bool {
	if strings.TrimSpace(sub) == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
