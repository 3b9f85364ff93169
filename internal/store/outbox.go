package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"horizon-workflow/internal/models"
)

// DrainOutbox hands pending events of one job to deliver in id order. A transaction-scoped
// advisory lock keyed on the job id keeps concurrent drains of the same job from interleaving.
// Events delivered before a failure stay marked.
func (s *Store) DrainOutbox(ctx context.Context, jobID string, deliver func(models.Event) error) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, jobID); err != nil {
		return 0, fmt.Errorf("outbox lock: %w", err)
	}
	rows, err := tx.Query(ctx, `
		SELECT id, job_card_id, event_type, job_version, payload, created_at
		FROM workflow_events
		WHERE job_card_id = $1 AND delivered_at IS NULL
		ORDER BY id
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("query outbox: %w", err)
	}
	pending, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return 0, fmt.Errorf("scan outbox: %w", err)
	}

	n := 0
	var deliverErr error
	for _, ev := range pending {
		if deliverErr = deliver(ev); deliverErr != nil {
			break
		}
		if _, err := tx.Exec(ctx, `UPDATE workflow_events SET delivered_at = NOW() WHERE id = $1`, ev.ID); err != nil {
			return 0, fmt.Errorf("mark event delivered: %w", err)
		}
		n++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, deliverErr
}

// PendingOutboxJobIDs lists jobs with undelivered events, oldest backlog first.
func (s *Store) PendingOutboxJobIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_card_id FROM workflow_events
		WHERE delivered_at IS NULL
		GROUP BY job_card_id
		ORDER BY MIN(id)
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanEvent(row pgx.CollectableRow) (models.Event, error) {
	var (
		ev      models.Event
		payload []byte
	)
	if err := row.Scan(&ev.ID, &ev.JobCardID, &ev.Type, &ev.JobVersion, &payload, &ev.CreatedAt); err != nil {
		return models.Event{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return models.Event{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return ev, nil
}
