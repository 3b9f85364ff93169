package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horizon-workflow/internal/ledger"
	"horizon-workflow/internal/memstore"
	"horizon-workflow/internal/models"
)

type countingNotifier struct {
	n   int
	err error
}

func (c *countingNotifier) Flush(context.Context, string) error {
	c.n++
	return c.err
}

func newLedger(t *testing.T) (*ledger.Ledger, *memstore.Store, *countingNotifier) {
	t.Helper()
	st := memstore.New()
	st.PutJob(models.JobCard{ID: "job-1", JobNumber: "HS-1", Quantity: 1, Version: 1, CreatedAt: time.Now()}, nil, nil)
	n := &countingNotifier{}
	return ledger.New(st, n, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))), st, n
}

func TestRecordAndListNewestFirst(t *testing.T) {
	ctx := context.Background()
	l, st, n := newLedger(t)
	hod := models.Actor{Name: "karim", Role: "hod"}

	first, err := l.Record(ctx, "job-1", hod, ledger.Action{Type: "assigned", StepName: "Printing", TargetUser: "press team"})
	require.NoError(t, err)
	assert.Equal(t, models.ActionAssigned, first.ActionType)
	assert.Equal(t, "karim", first.AssignedByName)

	_, err = l.Record(ctx, "job-1", hod, ledger.Action{Notes: "ink on order"})
	require.NoError(t, err)

	rows, err := l.List(ctx, "job-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.ActionNote, rows[0].ActionType)
	assert.Equal(t, models.ActionAssigned, rows[1].ActionType)
	assert.Greater(t, rows[0].ID, rows[1].ID)

	assert.Equal(t, 2, n.n)
	assert.Len(t, st.Events("job-1"), 2)
}

func TestRecordDoesNotCheckStepOrder(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)

	_, err := l.Record(ctx, "job-1", models.Actor{Name: "x"}, ledger.Action{Type: models.ActionCompleted, StepName: "Dispatch"})
	assert.NoError(t, err)
}

func TestRecordUnknownJob(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.Record(context.Background(), "missing", models.Actor{}, ledger.Action{Type: "NOTE"})
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	_, err = l.List(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestRecordSurvivesFailedFlush(t *testing.T) {
	st := memstore.New()
	st.PutJob(models.JobCard{ID: "job-1", JobNumber: "HS-1", Quantity: 1, Version: 1, CreatedAt: time.Now()}, nil, nil)
	var logs bytes.Buffer
	n := &countingNotifier{err: errors.New("redis unavailable")}
	l := ledger.New(st, n, slog.New(slog.NewTextHandler(&logs, nil)))

	_, err := l.Record(context.Background(), "job-1", models.Actor{Name: "karim"}, ledger.Action{Notes: "left on press"})
	require.NoError(t, err, "the row is committed; delivery is retried by the sweeper")
	assert.Len(t, st.Events("job-1"), 1)
	assert.Contains(t, logs.String(), "event flush deferred")
	assert.Contains(t, logs.String(), "redis unavailable")
}
