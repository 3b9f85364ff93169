package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"horizon-workflow/internal/app"
	"horizon-workflow/internal/catalog"
	"horizon-workflow/internal/models"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Author and install process sequences",
	}
	cmd.AddCommand(catalogValidateCmd(), catalogLoadCmd(), catalogShowCmd(), catalogDefaultsCmd())
	return cmd
}

func catalogValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a sequence file without touching the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			seqs, err := catalog.LoadFile(file)
			if err != nil {
				return err
			}
			for _, s := range seqs {
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %-16s %2d steps\n", s.ProductType, len(s.Steps))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML sequence file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func catalogLoadCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Install every sequence in a file, replacing existing ones",
		Long: `Validates the whole file first, then replaces each product type's sequence and all of
its steps in one transaction. Jobs already punched keep the steps they were created with.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			seqs, err := catalog.LoadFile(file)
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				return installSequences(ctx, cmd, svc.Catalog, seqs)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML sequence file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func installSequences(ctx context.Context, cmd *cobra.Command, c *catalog.Catalog, seqs []models.ProcessSequence) error {
	for _, s := range seqs {
		if _, err := c.Replace(ctx, s); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", s.ProductType)
	}
	return nil
}

func catalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [product-type]",
		Short: "Print installed sequences as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				var seqs []models.ProcessSequence
				if len(args) == 1 {
					seq, err := svc.Catalog.SequenceForProductType(ctx, args[0])
					if err != nil {
						return err
					}
					seqs = append(seqs, seq)
				} else {
					all, err := svc.Catalog.List(ctx)
					if err != nil {
						return err
					}
					seqs = all
				}
				return printSequences(cmd, seqs)
			})
		},
	}
}

func catalogDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print the built-in sequences as an editable starting file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printSequences(cmd, catalog.Defaults())
		},
	}
}

func printSequences(cmd *cobra.Command, seqs []models.ProcessSequence) error {
	out, err := catalog.Marshal(seqs)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
