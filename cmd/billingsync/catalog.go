package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingsync/internal/app"
	"github.com/dmitrymomot/billingsync/pkg/billing"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage plans and prices",
	}

	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Upsert plans and prices from a YAML catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.ImportCatalogFile(cmd.Context(), file)
				if err != nil {
					return err
				}
				printCatalogReport(cmd, report)
				return nil
			})
		},
	}
	imp.Flags().StringVarP(&file, "file", "f", "plans.yaml", "catalog file")
	_ = imp.MarkFlagFilename("file", "yaml", "yml")

	cmd.AddCommand(imp)
	return cmd
}

func printCatalogReport(cmd *cobra.Command, r billing.CatalogReport) {
	fmt.Fprintf(cmd.OutOrStdout(), "plans:  %d created, %d updated\nprices: %d created, %d updated\n",
		r.PlansCreated, r.PlansUpdated, r.PricesCreated, r.PricesUpdated)
}
