package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingsync/internal/app"
	"github.com/dmitrymomot/billingsync/internal/config"
	pkgconfig "github.com/dmitrymomot/billingsync/pkg/config"
	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Set at build time with -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFiles []string
	root := &cobra.Command{
		Use:           "billingsync",
		Short:         "Subscription billing sync service",
		Long:          "billingsync keeps local subscription state in step with Stripe or Paddle through webhooks, checkout reconciliation and periodic sweeps.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return pkgconfig.LoadEnvFiles(envFiles...)
		},
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default ./.env when present)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSyncCmd(),
		newCatalogCmd(),
	)
	return root
}

// withApp builds the app for one command run and closes it afterwards.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg.App)
	logger.SetAsDefault(log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
