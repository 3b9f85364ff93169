package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"horizon-workflow/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// New creates a pooled connection to Postgres. lockTimeout bounds how long a mutation waits for
// a job or planning row lock before failing with ErrConcurrentModification.
func New(ctx context.Context, dsn string, lockTimeout time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{pool: pool, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}
	return tx, nil
}

// mapError converts lock and constraint failures into domain errors.
func mapError(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01":
			return models.Errorf(models.ErrConcurrentModification, "%s: %s", what, pgErr.Message)
		case "23505":
			return models.Errorf(models.ErrDuplicate, "%s: %s", what, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func jobVersion(ctx context.Context, q querier, jobID string) (int64, error) {
	var v int64
	err := q.QueryRow(ctx, `SELECT version FROM job_cards WHERE id = $1`, jobID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.Errorf(models.ErrJobNotFound, "job %s", jobID)
	}
	if err != nil {
		return 0, mapError(err, "read job version")
	}
	return v, nil
}

// insertHistory appends ledger rows and returns them with ids and timestamps.
func insertHistory(ctx context.Context, q querier, jobID string, rows []models.HistoryEntry) ([]models.HistoryEntry, error) {
	out := make([]models.HistoryEntry, 0, len(rows))
	for _, h := range rows {
		h.JobCardID = jobID
		err := q.QueryRow(ctx, `
			INSERT INTO job_assignment_history (job_card_id, action_type, step_name, assigned_to_name, assigned_by_name, notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			RETURNING id, created_at
		`, jobID, h.ActionType, h.StepName, h.AssignedToName, h.AssignedByName, h.Notes).Scan(&h.ID, &h.CreatedAt)
		if err != nil {
			return nil, mapError(err, "insert history")
		}
		out = append(out, h)
	}
	return out, nil
}

// insertEvents writes outbox rows stamped with the job version they follow.
func insertEvents(ctx context.Context, q querier, jobID string, version int64, evs []models.Event) error {
	for _, ev := range evs {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO workflow_events (job_card_id, event_type, job_version, payload, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, jobID, ev.Type, version, payload); err != nil {
			return mapError(err, "insert event")
		}
	}
	return nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), b)
}
