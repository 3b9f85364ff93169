// Package main provides horizonctl, the admin CLI for the workflow service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"horizon-workflow/internal/app"
	"horizon-workflow/internal/config"
	"horizon-workflow/internal/models"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "horizonctl",
		Short: "Administer the Horizon job workflow service",
		Long: `Administer the Horizon job workflow service.

Connection settings come from the same environment variables (or .env file) as the
api and worker binaries.

Examples:
  horizonctl catalog validate -f sequences.yaml
  horizonctl catalog load -f sequences.yaml
  horizonctl catalog show offset
  horizonctl product add --id P-100 --type woven --name "Care label"
  horizonctl backfill --limit 500
  horizonctl outbox flush
`,
		SilenceUsage: true,
	}
	cmd.AddCommand(catalogCmd(), productCmd(), backfillCmd(), outboxCmd(), dlqCmd())
	return cmd
}

// withServices connects to storage for the duration of one command.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *app.Services) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := config.NewLogger(cfg, cmd.ErrOrStderr()).With("service", "horizonctl")
	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func productCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "product", Short: "Manage the product registry"}

	var p models.Product
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or update a product",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				saved, err := svc.Catalog.RegisterProduct(ctx, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "product %s registered as %s\n", saved.ID, saved.ProductType)
				return nil
			})
		},
	}
	add.Flags().StringVar(&p.ID, "id", "", "product id")
	add.Flags().StringVar(&p.Name, "name", "", "product name")
	add.Flags().StringVar(&p.ProductType, "type", "", "product type (must have a sequence)")
	add.Flags().StringVar(&p.CompanyID, "company", "", "owning company id")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("type")

	cmd.AddCommand(add)
	return cmd
}

func backfillCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Materialize step rows for jobs created before steps were persisted",
		Long: `Rebuilds the step list of every legacy job from its department cursor and assignment
history, then writes the steps as real rows. Each reconstruction is logged at WARN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				n, err := svc.Engine.Backfill(ctx, limit)
				fmt.Fprintf(cmd.OutOrStdout(), "backfilled %d jobs\n", n)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum jobs to backfill")
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect event delivery"}

	var limit int
	flush := &cobra.Command{
		Use:   "flush",
		Short: "Deliver events left pending by failed flushes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				n, err := svc.Dispatcher.FlushPending(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered %d events\n", n)
				return nil
			})
		},
	}
	flush.Flags().IntVar(&limit, "jobs", 500, "maximum jobs to drain")
	cmd.AddCommand(flush)
	return cmd
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dlq", Short: "Inspect dead-lettered tasks"}

	var count int64
	peek := &cobra.Command{
		Use:   "peek",
		Short: "List the oldest dead-lettered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Queue.DLQPeek(ctx, count)
				if err != nil {
					return err
				}
				for _, it := range items {
					fmt.Fprintln(cmd.OutOrStdout(), it)
				}
				return nil
			})
		},
	}
	peek.Flags().Int64Var(&count, "count", 50, "entries to show")
	cmd.AddCommand(peek)
	return cmd
}
