package main

import (
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingsync/internal/app"
	"github.com/dmitrymomot/billingsync/internal/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the billing schema migrations to PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg, pgCfg, err := config.LoadPostgres()
			if err != nil {
				return err
			}
			log := app.NewLogger(appCfg)
			if err := app.Migrate(cmd.Context(), pgCfg, log); err != nil {
				return err
			}
			log.InfoContext(cmd.Context(), "migrations applied")
			return nil
		},
	}
}
