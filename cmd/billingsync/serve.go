package main

import (
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingsync/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, queue worker and sweep scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				a.Logger.InfoContext(cmd.Context(), "starting billingsync",
					"version", version,
					"provider", a.Config.Billing.Provider,
					"store", a.Config.Billing.Store)
				return a.Run(cmd.Context())
			})
		},
	}
}
