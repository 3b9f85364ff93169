package workflow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"horizon-workflow/internal/models"
)

func counter() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("step-%d", n)
	}
}

func statuses(steps []models.WorkflowStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Status
	}
	return out
}

func TestReconstruct(t *testing.T) {
	updated := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	assigned := updated.Add(-time.Hour)

	cases := []struct {
		name    string
		job     models.JobCard
		history []models.HistoryEntry
		want    []string
		rule    string
		active  int
	}{
		{
			name: "no signal leaves everything pending",
			job:  models.JobCard{Status: models.JobPending},
			want: []string{"pending", "pending", "pending"},
			rule: RuleNone,
		},
		{
			name: "completed job",
			job:  models.JobCard{Status: models.JobCompleted, CurrentDepartment: "Printing"},
			want: []string{"completed", "completed", "completed"},
			rule: RuleJobCompleted,
		},
		{
			name:   "cursor department exact match",
			job:    models.JobCard{Status: models.JobInProgress, CurrentDepartment: "printing"},
			want:   []string{"completed", "in_progress", "pending"},
			rule:   RuleCurrentDepartment,
			active: 2,
		},
		{
			name:   "cursor department substring match",
			job:    models.JobCard{Status: models.JobInProgress, CurrentDepartment: "Packing Hall B"},
			want:   []string{"completed", "completed", "in_progress"},
			rule:   RuleCurrentDepartment,
			active: 3,
		},
		{
			name:    "assignment row for a later step wins",
			job:     models.JobCard{Status: models.JobInProgress, CurrentDepartment: "Prepress"},
			history: []models.HistoryEntry{{ActionType: models.ActionAssigned, StepName: "Printing", CreatedAt: assigned}},
			want:    []string{"completed", "in_progress", "pending"},
			rule:    RuleHistory,
			active:  2,
		},
		{
			name: "completed rows finish steps",
			job:  models.JobCard{Status: models.JobInProgress},
			history: []models.HistoryEntry{
				{ActionType: models.ActionStarted, StepName: "Printing"},
				{ActionType: models.ActionCompleted, StepName: "Printing"},
			},
			want: []string{"completed", "completed", "pending"},
			rule: RuleHistory,
		},
		{
			name: "lifecycle rows are ignored",
			job:  models.JobCard{Status: models.JobOnHold},
			history: []models.HistoryEntry{
				{ActionType: models.ActionCreated, Notes: "punched for Packing"},
				{ActionType: models.ActionOnHold, Notes: "Printing press down"},
			},
			want: []string{"pending", "pending", "pending"},
			rule: RuleNone,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.job.UpdatedAt = updated
			d := Reconstruct(tc.job, labels, tc.history, counter())
			assert.Equal(t, tc.want, statuses(d.Steps))
			assert.Equal(t, tc.rule, d.Rule)
			assert.Equal(t, tc.active, d.Active)
		})
	}
}

func TestReconstructStampsActiveStart(t *testing.T) {
	updated := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	assigned := updated.Add(-3 * time.Hour)

	d := Reconstruct(models.JobCard{Status: models.JobInProgress, UpdatedAt: updated}, labels,
		[]models.HistoryEntry{{ActionType: models.ActionAssigned, StepName: "Printing", CreatedAt: assigned}}, counter())
	assert.Equal(t, assigned, *d.Steps[1].StartedAt)

	d = Reconstruct(models.JobCard{Status: models.JobInProgress, CurrentDepartment: "Packing", UpdatedAt: updated}, labels, nil, counter())
	assert.Equal(t, updated, *d.Steps[2].StartedAt)
}

func TestProject(t *testing.T) {
	step := func(seq int, dept, status string) models.WorkflowStep {
		return models.WorkflowStep{SequenceNumber: seq, StepName: dept, Department: dept, Status: status}
	}

	snap := &models.JobSnapshot{Job: models.JobCard{Status: models.JobPending}, Steps: []models.WorkflowStep{
		step(1, "Prepress", models.StepCompleted),
		step(2, "Printing", models.StepSkipped),
		step(3, "Packing", models.StepPending),
	}}
	Project(snap)
	assert.Equal(t, "Packing", snap.Job.CurrentDepartment)
	assert.Equal(t, 3, snap.Job.CurrentSequence)
	assert.Equal(t, models.StepPending, snap.Job.WorkflowStatus)
	assert.Equal(t, models.JobInProgress, snap.Job.Status)

	snap.Steps[2].Status = models.StepCompleted
	Project(snap)
	assert.Equal(t, DepartmentDone, snap.Job.CurrentDepartment)
	assert.Equal(t, models.JobCompleted, snap.Job.Status)

	held := &models.JobSnapshot{Job: models.JobCard{Status: models.JobOnHold}, Steps: []models.WorkflowStep{
		step(1, "Prepress", models.StepInProgress),
	}}
	Project(held)
	assert.Equal(t, models.JobOnHold, held.Job.Status)
	assert.Equal(t, "Prepress", held.Job.CurrentDepartment)
}
