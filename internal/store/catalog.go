package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"horizon-workflow/internal/models"
)

// GetSequence returns a sequence with its steps in order.
func (s *Store) GetSequence(ctx context.Context, productType string) (models.ProcessSequence, error) {
	seq := models.ProcessSequence{ProductType: productType}
	err := s.pool.QueryRow(ctx, `
		SELECT name, updated_at FROM process_sequences WHERE product_type = $1
	`, productType).Scan(&seq.Name, &seq.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessSequence{}, models.Errorf(models.ErrSequenceNotFound, "product type %q", productType)
	}
	if err != nil {
		return models.ProcessSequence{}, fmt.Errorf("query sequence: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT name, department, step_order, is_compulsory
		FROM process_steps WHERE product_type = $1 ORDER BY step_order
	`, productType)
	if err != nil {
		return models.ProcessSequence{}, fmt.Errorf("query sequence steps: %w", err)
	}
	seq.Steps, err = pgx.CollectRows(rows, scanProcessStep)
	if err != nil {
		return models.ProcessSequence{}, fmt.Errorf("scan sequence steps: %w", err)
	}
	return seq, nil
}

// ListSequences returns every configured sequence ordered by product type.
func (s *Store) ListSequences(ctx context.Context) ([]models.ProcessSequence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.product_type, q.name, q.updated_at, p.name, p.department, p.step_order, p.is_compulsory
		FROM process_sequences q
		JOIN process_steps p ON p.product_type = q.product_type
		ORDER BY q.product_type, p.step_order
	`)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer rows.Close()

	var out []models.ProcessSequence
	for rows.Next() {
		var (
			pt, name string
			updated  time.Time
			st       models.ProcessStep
		)
		if err := rows.Scan(&pt, &name, &updated, &st.Name, &st.Department, &st.Order, &st.IsCompulsory); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ProductType != pt {
			out = append(out, models.ProcessSequence{ProductType: pt, Name: name, UpdatedAt: updated})
		}
		last := &out[len(out)-1]
		last.Steps = append(last.Steps, st)
	}
	return out, rows.Err()
}

// ReplaceSequence swaps all steps of a product type in one transaction. Existing job cards keep
// their materialized steps.
func (s *Store) ReplaceSequence(ctx context.Context, seq models.ProcessSequence) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO process_sequences (product_type, name, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (product_type) DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()
	`, seq.ProductType, seq.Name); err != nil {
		return mapError(err, "upsert sequence")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM process_steps WHERE product_type = $1`, seq.ProductType); err != nil {
		return mapError(err, "delete sequence steps")
	}
	rows := make([][]any, 0, len(seq.Steps))
	for _, st := range seq.Steps {
		rows = append(rows, []any{seq.ProductType, st.Order, st.Name, st.Department, st.IsCompulsory})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"process_steps"},
		[]string{"product_type", "step_order", "name", "department", "is_compulsory"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return mapError(err, "copy sequence steps")
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetProduct returns the catalog entry for a product id.
func (s *Store) GetProduct(ctx context.Context, id string) (models.Product, error) {
	var p models.Product
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, product_type, company_id FROM products WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.ProductType, &p.CompanyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, models.Errorf(models.ErrValidation, "unknown product %q", id)
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

// UpsertProduct registers or updates a product.
func (s *Store) UpsertProduct(ctx context.Context, p models.Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, name, product_type, company_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, product_type = EXCLUDED.product_type, company_id = EXCLUDED.company_id
	`, p.ID, p.Name, p.ProductType, p.CompanyID)
	if err != nil {
		return mapError(err, "upsert product")
	}
	return nil
}

func scanProcessStep(row pgx.CollectableRow) (models.ProcessStep, error) {
	var st models.ProcessStep
	err := row.Scan(&st.Name, &st.Department, &st.Order, &st.IsCompulsory)
	return st, err
}
