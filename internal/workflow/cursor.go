package workflow

import "horizon-workflow/internal/models"

// DepartmentDone is the cursor department of a job whose steps are all finished.
const DepartmentDone = "Completed"

// Project recomputes the job card cursor and coarse status from the step collection.
//
// The cursor is the in-progress step when there is one, otherwise the first step that is not
// completed or skipped. CANCELLED and ON_HOLD are explicit flags and survive projection.
func Project(snap *models.JobSnapshot) {
	job := &snap.Job

	var cursor *models.WorkflowStep
	for i := range snap.Steps {
		if snap.Steps[i].Status == models.StepInProgress {
			cursor = &snap.Steps[i]
			break
		}
	}
	if cursor == nil {
		for i := range snap.Steps {
			if !snap.Steps[i].Done() {
				cursor = &snap.Steps[i]
				break
			}
		}
	}

	allDone := cursor == nil && len(snap.Steps) > 0
	switch {
	case cursor != nil:
		job.CurrentDepartment = cursor.Department
		job.CurrentStep = cursor.StepName
		job.CurrentSequence = cursor.SequenceNumber
		job.WorkflowStatus = cursor.Status
	case allDone:
		job.CurrentDepartment = DepartmentDone
		job.CurrentStep = ""
		job.CurrentSequence = 0
		job.WorkflowStatus = models.StepCompleted
	default:
		job.CurrentDepartment = ""
		job.CurrentStep = ""
		job.CurrentSequence = 0
		job.WorkflowStatus = ""
	}

	if job.Status == models.JobCancelled || job.Status == models.JobOnHold {
		return
	}
	switch {
	case allDone:
		job.Status = models.JobCompleted
	case started(snap.Steps):
		job.Status = models.JobInProgress
	default:
		job.Status = models.JobPending
	}
}

func started(steps []models.WorkflowStep) bool {
	for _, s := range steps {
		if s.Status == models.StepCompleted || s.Status == models.StepInProgress || s.StartedAt != nil {
			return true
		}
	}
	return false
}

// ActiveStep returns the in-progress step, if any.
func ActiveStep(snap *models.JobSnapshot) *models.WorkflowStep {
	for i := range snap.Steps {
		if snap.Steps[i].Status == models.StepInProgress {
			return &snap.Steps[i]
		}
	}
	return nil
}

// Materialize builds the pending step rows for a sequence.
func Materialize(jobID string, seq models.ProcessSequence, newID func() string) []models.WorkflowStep {
	steps := make([]models.WorkflowStep, 0, len(seq.Steps))
	for _, def := range seq.Steps {
		steps = append(steps, models.WorkflowStep{
			ID:             newID(),
			JobCardID:      jobID,
			SequenceNumber: def.Order,
			StepName:       def.Name,
			Department:     def.Department,
			IsCompulsory:   def.IsCompulsory,
			Status:         models.StepPending,
		})
	}
	return steps
}
