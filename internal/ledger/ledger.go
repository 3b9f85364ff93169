package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"horizon-workflow/internal/models"
)

// Repository appends to and reads the assignment ledger. Rows are never updated or deleted.
type Repository interface {
	// AppendHistory writes one row and its events. ErrJobNotFound is the only domain failure.
	AppendHistory(ctx context.Context, entry models.HistoryEntry, events []models.Event) (models.HistoryEntry, error)
	// ListHistory returns rows newest first.
	ListHistory(ctx context.Context, jobID string, limit int) ([]models.HistoryEntry, error)
}

// Notifier delivers committed events for a job.
type Notifier interface {
	Flush(ctx context.Context, jobID string) error
}

// Ledger records who was assigned what, and when.
type Ledger struct {
	repo     Repository
	notifier Notifier
	logger   *slog.Logger
}

// New builds the ledger. notifier may be nil.
func New(repo Repository, notifier Notifier, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, notifier: notifier, logger: logger}
}

// Action is one ledger write request.
type Action struct {
	Type       string
	StepName   string
	TargetUser string
	Notes      string
}

// Record appends an action. Ordering is never checked; the ledger has no invariant beyond append.
func (l *Ledger) Record(ctx context.Context, jobID string, actor models.Actor, a Action) (models.HistoryEntry, error) {
	actionType := strings.ToUpper(strings.TrimSpace(a.Type))
	if actionType == "" {
		actionType = models.ActionNote
	}
	entry := models.HistoryEntry{
		JobCardID:      jobID,
		ActionType:     actionType,
		StepName:       strings.TrimSpace(a.StepName),
		AssignedToName: strings.TrimSpace(a.TargetUser),
		AssignedByName: actor.Name,
		Notes:          a.Notes,
	}
	ev := models.Event{
		JobCardID: jobID,
		Type:      models.EventLedgerRecorded,
		Payload: map[string]any{
			"action_type": actionType,
			"step_name":   entry.StepName,
			"assigned_to": entry.AssignedToName,
			"actor":       actor.Name,
		},
	}
	saved, err := l.repo.AppendHistory(ctx, entry, []models.Event{ev})
	if err != nil {
		return models.HistoryEntry{}, err
	}
	if l.notifier != nil {
		if err := l.notifier.Flush(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("event flush deferred", "job_id", jobID, "error", err)
		}
	}
	return saved, nil
}

// List returns the ledger of a job, newest first.
func (l *Ledger) List(ctx context.Context, jobID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return l.repo.ListHistory(ctx, jobID, limit)
}
