package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"horizon-workflow/internal/models"
)

// Repository is the persistence the catalog needs.
type Repository interface {
	GetSequence(ctx context.Context, productType string) (models.ProcessSequence, error)
	ListSequences(ctx context.Context) ([]models.ProcessSequence, error)
	// ReplaceSequence swaps the sequence and all of its steps in one transaction.
	ReplaceSequence(ctx context.Context, seq models.ProcessSequence) error
	GetProduct(ctx context.Context, id string) (models.Product, error)
	UpsertProduct(ctx context.Context, p models.Product) error
}

// Catalog resolves products to their process sequences.
type Catalog struct {
	repo   Repository
	logger *slog.Logger
}

func New(repo Repository, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{repo: repo, logger: logger}
}

// SequenceForProductType returns the sequence for a product type or ErrSequenceNotFound.
func (c *Catalog) SequenceForProductType(ctx context.Context, productType string) (models.ProcessSequence, error) {
	pt := NormalizeProductType(productType)
	if pt == "" {
		return models.ProcessSequence{}, models.Errorf(models.ErrValidation, "product type is required")
	}
	return c.repo.GetSequence(ctx, pt)
}

// Resolve picks the sequence for a new job. An explicit product type override wins over the
// product's own type, which lets a merchandiser select a customized sequence per job.
func (c *Catalog) Resolve(ctx context.Context, productID, override string) (models.ProcessSequence, string, error) {
	if strings.TrimSpace(override) != "" {
		seq, err := c.SequenceForProductType(ctx, override)
		return seq, seq.ProductType, err
	}
	if productID == "" {
		return models.ProcessSequence{}, "", models.Errorf(models.ErrValidation, "product_id or product_type is required")
	}
	p, err := c.repo.GetProduct(ctx, productID)
	if err != nil {
		return models.ProcessSequence{}, "", err
	}
	seq, err := c.SequenceForProductType(ctx, p.ProductType)
	return seq, seq.ProductType, err
}

// Replace validates and atomically installs a sequence.
func (c *Catalog) Replace(ctx context.Context, seq models.ProcessSequence) (models.ProcessSequence, error) {
	v, err := Validate(seq)
	if err != nil {
		return models.ProcessSequence{}, err
	}
	if err := c.repo.ReplaceSequence(ctx, v); err != nil {
		return models.ProcessSequence{}, fmt.Errorf("replace sequence %s: %w", v.ProductType, err)
	}
	c.logger.Info("process sequence replaced", "product_type", v.ProductType, "steps", len(v.Steps))
	return v, nil
}

// RegisterProduct records a product so jobs can be punched by product id. Its product type must
// already have a sequence.
func (c *Catalog) RegisterProduct(ctx context.Context, p models.Product) (models.Product, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return models.Product{}, models.Errorf(models.ErrValidation, "product id is required")
	}
	seq, err := c.SequenceForProductType(ctx, p.ProductType)
	if err != nil {
		return models.Product{}, err
	}
	p.ProductType = seq.ProductType
	if err := c.repo.UpsertProduct(ctx, p); err != nil {
		return models.Product{}, fmt.Errorf("register product %s: %w", p.ID, err)
	}
	return p, nil
}

// List returns every sequence in the catalog.
func (c *Catalog) List(ctx context.Context) ([]models.ProcessSequence, error) {
	return c.repo.ListSequences(ctx)
}

// SeedDefaults installs the built-in sequences when the catalog is empty. It returns how many
// sequences were written.
func (c *Catalog) SeedDefaults(ctx context.Context) (int, error) {
	existing, err := c.repo.ListSequences(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	n := 0
	for _, seq := range Defaults() {
		if _, err := c.Replace(ctx, seq); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
