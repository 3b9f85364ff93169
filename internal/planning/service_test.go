package planning_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horizon-workflow/internal/memstore"
	"horizon-workflow/internal/models"
	"horizon-workflow/internal/planning"
)

var (
	planner  = models.Actor{Name: "nadia", Role: "planner"}
	director = models.Actor{Name: "farah", Role: "director"}
	layout   = models.Layout{FinalTotalSheets: 120, CuttingLayoutType: "grid", GridPattern: "4x6", BlanksPerSheet: 24}
)

func newService(t *testing.T) (*planning.Service, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	st.PutJob(models.JobCard{
		ID:                "job-1",
		JobNumber:         "HS-1",
		ProductType:       "offset",
		Quantity:          1000,
		Status:            models.JobInProgress,
		CurrentDepartment: "Printing",
		Version:           3,
		CreatedAt:         time.Now().UTC(),
	}, nil, nil)
	elevated := func(role string) bool { return role == "director" }
	return planning.New(st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), elevated), st
}

func queued(t *testing.T, svc *planning.Service) []models.CuttingQueueEntry {
	t.Helper()
	q, err := svc.CuttingQueue(context.Background(), 50)
	require.NoError(t, err)
	return q
}

func TestPlanningLifecycleOpensCuttingQueue(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	p, err := svc.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanningPending, p.Status)

	_, err = svc.Apply(ctx, "job-1", models.Layout{}, planner)
	assert.ErrorIs(t, err, models.ErrNotLocked)

	_, err = svc.Plan(ctx, "job-1", layout, planner)
	require.NoError(t, err)
	_, err = svc.Lock(ctx, "job-1", planner)
	require.NoError(t, err)
	assert.Empty(t, queued(t, svc), "locked planning is not visible to cutting")

	p, err = svc.Apply(ctx, "job-1", models.Layout{}, planner)
	require.NoError(t, err)
	assert.Equal(t, models.PlanningApplied, p.Status)
	assert.Equal(t, layout, p.Layout)

	q := queued(t, svc)
	require.Len(t, q, 1)
	assert.True(t, q[0].PlanningApplied)
	assert.False(t, q[0].InCuttingDept)
	assert.False(t, q[0].HasAssignment)

	var types []string
	for _, ev := range st.Events("job-1") {
		types = append(types, ev.Type)
		assert.EqualValues(t, 3, ev.JobVersion, "planning does not bump the job card")
	}
	assert.Equal(t, []string{models.EventPlanningPlanned, models.EventPlanningLocked, models.EventPlanningApplied}, types)
}

func TestEnsureCuttingAssignmentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	a, created, err := svc.EnsureCuttingAssignment(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.CuttingDepartment, a.AssignedTo)

	again, created, err := svc.EnsureCuttingAssignment(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, again.ID)

	history, err := st.ListHistory(ctx, "job-1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	q := queued(t, svc)
	require.Len(t, q, 1)
	assert.True(t, q[0].HasAssignment)
	assert.Equal(t, a.ID, q[0].Assignment.ID)

	_, _, err = svc.EnsureCuttingAssignment(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestAssignCuttingOverridesDefault(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.AssignCutting(ctx, "job-1", "  ", "", planner)
	assert.ErrorIs(t, err, models.ErrValidation)

	first, _, err := svc.EnsureCuttingAssignment(ctx, "job-1")
	require.NoError(t, err)
	a, err := svc.AssignCutting(ctx, "job-1", "Team B", "night shift", planner)
	require.NoError(t, err)
	assert.Equal(t, first.ID, a.ID)
	assert.Equal(t, "Team B", a.AssignedTo)
	assert.Equal(t, "nadia", a.AssignedBy)

	got, err := svc.CuttingAssignment(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Team B", got.AssignedTo)
}

func TestResetNeedsElevatedRole(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Plan(ctx, "job-1", layout, planner)
	require.NoError(t, err)
	_, err = svc.Lock(ctx, "job-1", planner)
	require.NoError(t, err)
	_, err = svc.Apply(ctx, "job-1", models.Layout{}, planner)
	require.NoError(t, err)

	_, err = svc.Reset(ctx, "job-1", planner, "rework")
	assert.ErrorIs(t, err, models.ErrForbidden)

	p, err := svc.Reset(ctx, "job-1", director, "rework")
	require.NoError(t, err)
	assert.Equal(t, models.PlanningPending, p.Status)
	assert.Empty(t, queued(t, svc))
}

func TestPlanningUnknownJob(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	_, err = svc.Plan(context.Background(), "missing", layout, planner)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestCuttingAdmission(t *testing.T) {
	ctx := context.Background()

	svc, _ := newService(t)
	ok, err := svc.CuttingAdmitted(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Plan(ctx, "job-1", layout, planner)
	require.NoError(t, err)
	_, err = svc.Lock(ctx, "job-1", planner)
	require.NoError(t, err)
	ok, err = svc.CuttingAdmitted(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "locked is not enough")

	_, err = svc.Apply(ctx, "job-1", models.Layout{}, planner)
	require.NoError(t, err)
	ok, err = svc.CuttingAdmitted(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assigned, _ := newService(t)
	_, err = assigned.AssignCutting(ctx, "job-1", "Team A", "", planner)
	require.NoError(t, err)
	ok, err = assigned.CuttingAdmitted(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok, "an assignment admits without planning")

	_, err = svc.CuttingAdmitted(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}
