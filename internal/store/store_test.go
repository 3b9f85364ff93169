package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horizon-workflow/internal/catalog"
	"horizon-workflow/internal/ledger"
	"horizon-workflow/internal/models"
	"horizon-workflow/internal/planning"
	"horizon-workflow/internal/store"
	"horizon-workflow/internal/workflow"
)

// newStore connects to the database named by HORIZON_TEST_POSTGRES_DSN and empties every table.
// The tests are skipped without it.
func newStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("HORIZON_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HORIZON_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := store.New(ctx, dsn, 500*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	require.NoError(t, st.Truncate(ctx))
	return st
}

type services struct {
	store    *store.Store
	catalog  *catalog.Catalog
	engine   *workflow.Engine
	planning *planning.Service
	ledger   *ledger.Ledger
}

func newServices(t *testing.T) services {
	t.Helper()
	st := newStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat := catalog.New(st, logger)
	_, err := cat.SeedDefaults(context.Background())
	require.NoError(t, err)
	return services{
		store:    st,
		catalog:  cat,
		engine:   workflow.New(st, cat, nil, logger, time.Hour),
		planning: planning.New(st, nil, logger, func(r string) bool { return r == "director" }),
		ledger:   ledger.New(st, nil, logger),
	}
}

var op = models.Actor{Name: "tariq", Role: "operator"}

func TestWorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)

	_, err := s.catalog.RegisterProduct(ctx, models.Product{ID: "P-1", Name: "Hang tag", ProductType: "offset"})
	require.NoError(t, err)
	snap, err := s.engine.CreateJob(ctx, workflow.CreateJobParams{JobNumber: "HS-100", ProductID: "P-1", Quantity: 250, Actor: op})
	require.NoError(t, err)
	require.Len(t, snap.Steps, 10)

	_, err = s.engine.CreateJob(ctx, workflow.CreateJobParams{JobNumber: "HS-100", ProductType: "offset", Quantity: 1, Actor: op})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	_, _, err = s.engine.StartStep(ctx, snap.Job.ID, 1, op)
	require.NoError(t, err)
	qty := 250
	after, st, err := s.engine.CompleteStep(ctx, snap.Job.ID, 1, op, &qty, "ok")
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, st.Status)
	assert.Equal(t, 2, after.Job.CurrentSequence)
	assert.Equal(t, int64(3), after.Job.Version)

	loaded, err := s.store.LoadJob(ctx, snap.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, after.Job.CurrentStep, loaded.Job.CurrentStep)
	require.NotNil(t, loaded.Steps[0].OutputQty)
	assert.Equal(t, 250, *loaded.Steps[0].OutputQty)

	hist, err := s.ledger.List(ctx, snap.Job.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, models.ActionCompleted, hist[0].ActionType)
	assert.Equal(t, models.ActionCreated, hist[2].ActionType)

	var types []string
	var versions []int64
	n, err := s.store.DrainOutbox(ctx, snap.Job.ID, func(ev models.Event) error {
		types = append(types, ev.Type)
		versions = append(versions, ev.JobVersion)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{models.EventJobCreated, models.EventStepStarted, models.EventStepCompleted}, types)
	assert.Equal(t, []int64{1, 2, 3}, versions)

	n, err = s.store.DrainOutbox(ctx, snap.Job.ID, func(models.Event) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentStartAdmitsOne(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)
	snap, err := s.engine.CreateJob(ctx, workflow.CreateJobParams{ProductType: "digital", Quantity: 10, Actor: op})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.engine.StartStep(ctx, snap.Job.ID, 1, op)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrConcurrentModification):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestPlanningAndCuttingQueue(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)
	snap, err := s.engine.CreateJob(ctx, workflow.CreateJobParams{ProductType: "offset", Quantity: 10, Actor: op})
	require.NoError(t, err)
	id := snap.Job.ID

	_, err = s.planning.Apply(ctx, id, models.Layout{}, op)
	assert.ErrorIs(t, err, models.ErrNotLocked)

	_, err = s.planning.Plan(ctx, id, models.Layout{FinalTotalSheets: 5, CuttingLayoutType: "grid", BlanksPerSheet: 8}, op)
	require.NoError(t, err)
	_, err = s.planning.Lock(ctx, id, op)
	require.NoError(t, err)
	p, err := s.planning.Apply(ctx, id, models.Layout{}, op)
	require.NoError(t, err)
	assert.Equal(t, models.PlanningApplied, p.Status)

	q, err := s.planning.CuttingQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.True(t, q[0].PlanningApplied)
	assert.Nil(t, q[0].Assignment)

	_, created, err := s.planning.EnsureCuttingAssignment(ctx, id)
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = s.planning.EnsureCuttingAssignment(ctx, id)
	require.NoError(t, err)
	assert.False(t, created)

	q, err = s.planning.CuttingQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, q, 1)
	require.NotNil(t, q[0].Assignment)
	assert.Equal(t, models.CuttingDepartment, q[0].Assignment.AssignedTo)
}

func TestReplaceSequenceIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)

	seq := models.ProcessSequence{ProductType: "sleeve", Steps: []models.ProcessStep{
		{Order: 1, Name: "Printing", Department: "Printing"},
		{Order: 2, Name: "Seaming", Department: "Finishing"},
	}}
	_, err := s.catalog.Replace(ctx, seq)
	require.NoError(t, err)

	seq.Steps = seq.Steps[:1]
	_, err = s.catalog.Replace(ctx, seq)
	require.NoError(t, err)

	got, err := s.catalog.SequenceForProductType(ctx, "sleeve")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)
}

func TestSnapshotFiltersAndStallCount(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)
	snap, err := s.engine.CreateJob(ctx, workflow.CreateJobParams{ProductType: "digital", Quantity: 10, Actor: op})
	require.NoError(t, err)

	got, err := s.store.ListSnapshots(ctx, models.JobFilter{TouchesDepartment: "cutting", ActiveSince: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1, "open jobs ignore ActiveSince")
	assert.Len(t, got[0].Steps, 8)

	got, err = s.store.ListSnapshots(ctx, models.JobFilter{TouchesDepartment: "Woven"})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, _, err = s.engine.StartStep(ctx, snap.Job.ID, 1, op)
	require.NoError(t, err)
	n, err := s.store.CountStalled(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.store.CountStalled(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
