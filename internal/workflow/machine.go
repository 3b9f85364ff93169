package workflow

import (
	"time"

	"horizon-workflow/internal/models"
)

// The functions in this file are the step state machine. They mutate a snapshot that the caller
// loaded under the job lock and always finish with Project, so the cursor fields can never be
// written from anywhere else.

func guardJob(job models.JobCard) error {
	switch job.Status {
	case models.JobCompleted, models.JobCancelled:
		return models.Errorf(models.ErrInvalidTransition, "job %s is %s", job.JobNumber, job.Status)
	case models.JobOnHold:
		return models.Errorf(models.ErrInvalidTransition, "job %s is on hold", job.JobNumber)
	}
	return nil
}

func findStep(snap *models.JobSnapshot, seq int) (*models.WorkflowStep, error) {
	st := snap.Step(seq)
	if st == nil {
		return nil, models.Errorf(models.ErrStepNotFound, "job %s has no step %d", snap.Job.JobNumber, seq)
	}
	return st, nil
}

// predecessorsDone returns an OrderViolation naming the first earlier step that is neither
// completed nor skipped.
func predecessorsDone(snap *models.JobSnapshot, st *models.WorkflowStep) error {
	for _, prev := range snap.Steps {
		if prev.SequenceNumber >= st.SequenceNumber {
			continue
		}
		if !prev.Done() {
			kind := "step"
			if prev.IsCompulsory {
				kind = "compulsory step"
			}
			return models.Errorf(models.ErrOrderViolation, "cannot start %q: %s %d (%s) is %s", st.StepName, kind, prev.SequenceNumber, prev.StepName, prev.Status)
		}
	}
	return nil
}

// Start moves a pending step to in_progress and takes a lease on it.
func Start(snap *models.JobSnapshot, seq int, actor models.Actor, now time.Time, lease time.Duration) (*models.WorkflowStep, error) {
	if err := guardJob(snap.Job); err != nil {
		return nil, err
	}
	st, err := findStep(snap, seq)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StepPending {
		return nil, models.Errorf(models.ErrInvalidTransition, "step %d (%s) is %s, expected %s", st.SequenceNumber, st.StepName, st.Status, models.StepPending)
	}
	if err := predecessorsDone(snap, st); err != nil {
		return nil, err
	}
	for _, other := range snap.Steps {
		if other.Status == models.StepInProgress {
			return nil, models.Errorf(models.ErrInvalidTransition, "step %d (%s) is already in progress", other.SequenceNumber, other.StepName)
		}
	}

	st.Status = models.StepInProgress
	st.StatusMessage = ""
	st.StartedAt = timePtr(now)
	st.StartedBy = actor.Name
	st.CompletedAt = nil
	st.LeaseExpiresAt = timePtr(now.Add(lease))
	st.StalledNotifiedAt = nil
	st.UpdatedAt = now
	Project(snap)
	return st, nil
}

// Complete finishes an in-progress step. Completing twice is an InvalidTransition, so output
// quantities are never counted twice.
func Complete(snap *models.JobSnapshot, seq int, actor models.Actor, now time.Time, outputQty *int, notes string) (*models.WorkflowStep, error) {
	if err := guardJob(snap.Job); err != nil {
		return nil, err
	}
	st, err := findStep(snap, seq)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StepInProgress {
		return nil, models.Errorf(models.ErrInvalidTransition, "step %d (%s) is %s, expected %s", st.SequenceNumber, st.StepName, st.Status, models.StepInProgress)
	}
	if outputQty != nil && *outputQty < 0 {
		return nil, models.Errorf(models.ErrValidation, "output quantity must not be negative")
	}

	st.Status = models.StepCompleted
	st.CompletedAt = timePtr(now)
	st.CompletedBy = actor.Name
	st.OutputQty = outputQty
	st.Notes = notes
	st.LeaseExpiresAt = nil
	st.StalledNotifiedAt = nil
	st.UpdatedAt = now
	Project(snap)
	return st, nil
}

// Block parks a pending or in-progress step, e.g. when material is missing.
func Block(snap *models.JobSnapshot, seq int, reason string, now time.Time) (*models.WorkflowStep, error) {
	if err := guardJob(snap.Job); err != nil {
		return nil, err
	}
	st, err := findStep(snap, seq)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StepPending && st.Status != models.StepInProgress {
		return nil, models.Errorf(models.ErrInvalidTransition, "step %d (%s) is %s and cannot be blocked", st.SequenceNumber, st.StepName, st.Status)
	}
	st.Status = models.StepBlocked
	st.StatusMessage = reason
	st.LeaseExpiresAt = nil
	st.StalledNotifiedAt = nil
	st.UpdatedAt = now
	Project(snap)
	return st, nil
}

// Unblock returns a blocked step to pending; it must be started again explicitly.
func Unblock(snap *models.JobSnapshot, seq int, now time.Time) (*models.WorkflowStep, error) {
	if err := guardJob(snap.Job); err != nil {
		return nil, err
	}
	st, err := findStep(snap, seq)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StepBlocked {
		return nil, models.Errorf(models.ErrInvalidTransition, "step %d (%s) is %s, expected %s", st.SequenceNumber, st.StepName, st.Status, models.StepBlocked)
	}
	st.Status = models.StepPending
	st.StatusMessage = ""
	st.UpdatedAt = now
	Project(snap)
	return st, nil
}

// Skip marks an optional step as not applicable. Compulsory steps are never skippable.
func Skip(snap *models.JobSnapshot, seq int, reason string, now time.Time) (*models.WorkflowStep, error) {
	if err := guardJob(snap.Job); err != nil {
		return nil, err
	}
	st, err := findStep(snap, seq)
	if err != nil {
		return nil, err
	}
	if st.IsCompulsory {
		return nil, models.Errorf(models.ErrInvalidTransition, "compulsory step %q cannot be skipped", st.StepName)
	}
	if st.Status != models.StepPending && st.Status != models.StepBlocked {
		return nil, models.Errorf(models.ErrInvalidTransition, "step %d (%s) is %s and cannot be skipped", st.SequenceNumber, st.StepName, st.Status)
	}
	if err := predecessorsDone(snap, st); err != nil {
		return nil, err
	}
	st.Status = models.StepSkipped
	st.StatusMessage = reason
	st.UpdatedAt = now
	Project(snap)
	return st, nil
}

// Heartbeat extends the lease of an in-progress step.
func Heartbeat(snap *models.JobSnapshot, seq int, now time.Time, lease time.Duration) (*models.WorkflowStep, error) {
	if err := guardJob(snap.Job); err != nil {
		return nil, err
	}
	st, err := findStep(snap, seq)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StepInProgress {
		return nil, models.Errorf(models.ErrInvalidTransition, "step %d (%s) is %s, expected %s", st.SequenceNumber, st.StepName, st.Status, models.StepInProgress)
	}
	st.LeaseExpiresAt = timePtr(now.Add(lease))
	st.StalledNotifiedAt = nil
	st.UpdatedAt = now
	return st, nil
}

// MarkStalled flags the in-progress step whose lease has expired. It reports false when nothing
// is stalled or the stall was already reported for the current lease.
func MarkStalled(snap *models.JobSnapshot, now time.Time) (*models.WorkflowStep, bool) {
	for i := range snap.Steps {
		st := &snap.Steps[i]
		if !st.Stalled(now) || st.StalledNotifiedAt != nil {
			continue
		}
		st.StalledNotifiedAt = timePtr(now)
		return st, true
	}
	return nil, false
}

// Cancel soft-cancels a job. The step collection is left as it was.
func Cancel(snap *models.JobSnapshot, reason string, now time.Time) error {
	if snap.Job.Terminal() {
		return models.Errorf(models.ErrInvalidTransition, "job %s is already %s", snap.Job.JobNumber, snap.Job.Status)
	}
	for i := range snap.Steps {
		snap.Steps[i].LeaseExpiresAt = nil
	}
	snap.Job.Status = models.JobCancelled
	snap.Job.StatusMessage = reason
	snap.Job.UpdatedAt = now
	Project(snap)
	return nil
}

// Hold pauses a job; no step may move until Resume.
func Hold(snap *models.JobSnapshot, reason string, now time.Time) error {
	if err := guardJob(snap.Job); err != nil {
		return err
	}
	snap.Job.Status = models.JobOnHold
	snap.Job.StatusMessage = reason
	snap.Job.UpdatedAt = now
	Project(snap)
	return nil
}

// Resume lifts a hold and recomputes the coarse status from the steps.
func Resume(snap *models.JobSnapshot, now time.Time) error {
	if snap.Job.Status != models.JobOnHold {
		return models.Errorf(models.ErrInvalidTransition, "job %s is %s, not on hold", snap.Job.JobNumber, snap.Job.Status)
	}
	snap.Job.Status = models.JobPending
	snap.Job.StatusMessage = ""
	snap.Job.UpdatedAt = now
	Project(snap)
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
