package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"horizon-workflow/internal/models"
)

// AppendHistory writes one ledger row with its events. It takes no job lock; the ledger does not
// constrain step order.
func (s *Store) AppendHistory(ctx context.Context, entry models.HistoryEntry, events []models.Event) (models.HistoryEntry, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.HistoryEntry{}, err
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	version, err := jobVersion(ctx, tx, entry.JobCardID)
	if err != nil {
		return models.HistoryEntry{}, err
	}
	saved, err := insertHistory(ctx, tx, entry.JobCardID, []models.HistoryEntry{entry})
	if err != nil {
		return models.HistoryEntry{}, err
	}
	if err := insertEvents(ctx, tx, entry.JobCardID, version, events); err != nil {
		return models.HistoryEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.HistoryEntry{}, fmt.Errorf("commit: %w", err)
	}
	return saved[0], nil
}

// ListHistory returns ledger rows newest first. The id breaks ties between equal timestamps.
func (s *Store) ListHistory(ctx context.Context, jobID string, limit int) ([]models.HistoryEntry, error) {
	if _, err := jobVersion(ctx, s.pool, jobID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+historyColumns+` FROM job_assignment_history
		WHERE job_card_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return pgx.CollectRows(rows, scanHistory)
}
