package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horizon-workflow/internal/models"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(h float64) *time.Time {
	t := t0.Add(time.Duration(h * float64(time.Hour)))
	return &t
}

func done(dept string, start, end float64) models.WorkflowStep {
	return models.WorkflowStep{StepName: dept, Department: dept, Status: models.StepCompleted, StartedAt: at(start), CompletedAt: at(end)}
}

func TestCompletionRate(t *testing.T) {
	assert.Zero(t, CompletionRate(nil))
	assert.Zero(t, CompletionRate([]models.WorkflowStep{{Status: models.StepSkipped}}))

	steps := []models.WorkflowStep{
		{Status: models.StepCompleted},
		{Status: models.StepSkipped},
		{Status: models.StepInProgress},
		{Status: models.StepPending},
	}
	assert.InDelta(t, 1.0/3.0, CompletionRate(steps), 1e-9)
}

func TestDepartmentEfficiencyIsQuantityWeighted(t *testing.T) {
	w := Window{From: t0, To: t0.Add(24 * time.Hour)}
	snaps := []models.JobSnapshot{
		{Job: models.JobCard{Quantity: 300}, Steps: []models.WorkflowStep{done("Printing", 1, 2)}},
		{Job: models.JobCard{Quantity: 100}, Steps: []models.WorkflowStep{
			{Department: "Printing", Status: models.StepInProgress, StartedAt: at(3)},
		}},
		// Outside the window on both ends.
		{Job: models.JobCard{Quantity: 900}, Steps: []models.WorkflowStep{done("Printing", -5, -4), done("Packing", 24, 25)}},
	}
	eff := DepartmentEfficiency(snaps, w)
	require.Len(t, eff, 1)
	assert.Equal(t, "Printing", eff[0].Department)
	assert.Equal(t, 2, eff[0].StepsTouched)
	assert.Equal(t, 1, eff[0].StepsCompleted)
	assert.InDelta(t, 0.75, eff[0].Efficiency, 1e-9)
}

func TestBottlenecksUseDepartmentSLA(t *testing.T) {
	snaps := []models.JobSnapshot{
		{Steps: []models.WorkflowStep{done("Cutting", 0, 6), done("Printing", 0, 2)}},
		{Steps: []models.WorkflowStep{done("Cutting", 0, 4), done("Printing", 0, 9)}},
	}
	sla := func(dept string) time.Duration {
		if dept == "Cutting" {
			return 4 * time.Hour
		}
		return 8 * time.Hour
	}
	b := Bottlenecks(snaps, sla)
	require.Len(t, b, 1)
	assert.Equal(t, "Cutting", b[0].Department)
	assert.Equal(t, 5*time.Hour, b[0].AvgDwell)
	assert.Equal(t, 2, b[0].Samples)

	assert.Empty(t, Bottlenecks(snaps, func(string) time.Duration { return 0 }), "no SLA, no bottleneck")
}

func TestStalledOnlyCountsRunningJobs(t *testing.T) {
	now := *at(10)
	running := models.WorkflowStep{StepName: "Printing", Department: "Printing", Status: models.StepInProgress, LeaseExpiresAt: at(8)}
	snaps := []models.JobSnapshot{
		{Job: models.JobCard{ID: "a", Status: models.JobInProgress}, Steps: []models.WorkflowStep{running}},
		{Job: models.JobCard{ID: "b", Status: models.JobOnHold}, Steps: []models.WorkflowStep{running}},
	}
	out := Stalled(snaps, now)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].JobCardID)
	assert.Equal(t, 2*time.Hour, out[0].OverdueBy)
}

func TestBuildDepartmentQueueOrder(t *testing.T) {
	snaps := []models.JobSnapshot{
		{Job: models.JobCard{ID: "low", Status: models.JobPending, Priority: models.PriorityLow, CurrentDepartment: "Cutting", WorkflowStatus: models.StepPending}},
		{Job: models.JobCard{ID: "urgent", Status: models.JobInProgress, Priority: models.PriorityUrgent, CurrentDepartment: "cutting", WorkflowStatus: models.StepInProgress}},
		{Job: models.JobCard{ID: "blocked", Status: models.JobInProgress, Priority: models.PriorityMedium, CurrentDepartment: "Cutting", WorkflowStatus: models.StepBlocked}},
		{Job: models.JobCard{ID: "gone", Status: models.JobCancelled, Priority: models.PriorityUrgent, CurrentDepartment: "Cutting"}},
		{Job: models.JobCard{ID: "other", Status: models.JobPending, CurrentDepartment: "Printing"}},
	}
	d := BuildDepartment(snaps, "Cutting", t0, Window{From: t0, To: t0}, func(string) time.Duration { return 0 })

	var ids []string
	for _, j := range d.Queue {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"urgent", "blocked", "low"}, ids)
	assert.Equal(t, 1, d.InProgress)
	assert.Equal(t, 1, d.Blocked)
	assert.Equal(t, 1, d.Waiting)
}

func TestBuildDirector(t *testing.T) {
	due := t0.Add(-time.Hour)
	snaps := []models.JobSnapshot{
		{Job: models.JobCard{Status: models.JobInProgress, CurrentDepartment: "Printing", DueDate: &due}, Steps: []models.WorkflowStep{
			done("Prepress", 0, 1), {Department: "Printing", Status: models.StepInProgress},
		}},
		{Job: models.JobCard{Status: models.JobCompleted, CurrentDepartment: "Completed", DueDate: &due}, Derived: true, Steps: []models.WorkflowStep{
			done("Prepress", 0, 1), done("Printing", 1, 2),
		}},
		{Job: models.JobCard{Status: models.JobCancelled}, Steps: []models.WorkflowStep{{Status: models.StepPending}}},
	}
	d := BuildDirector(snaps, t0.Add(48*time.Hour), Window{From: t0, To: t0.Add(24 * time.Hour)}, nil)

	assert.Equal(t, 3, d.TotalJobs)
	assert.Equal(t, 1, d.JobsByStatus[models.JobCompleted])
	assert.Equal(t, map[string]int{"Printing": 1}, d.ActiveByDepartment)
	assert.Equal(t, 1, d.OverdueJobs)
	assert.Equal(t, 1, d.DerivedJobs)
	assert.InDelta(t, 0.75, d.CompletionRate, 1e-9)
}
