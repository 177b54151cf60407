package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/pgstore"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

// ImportCatalogFile loads a YAML plan catalog into the store.
func (a *App) ImportCatalogFile(ctx context.Context, path string) (billing.CatalogReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return billing.CatalogReport{}, err
	}
	defer f.Close()

	c, err := billing.ParseCatalog(f)
	if err != nil {
		return billing.CatalogReport{}, err
	}
	return billing.ImportCatalog(ctx, a.Store, c, time.Now())
}

// SyncWindow runs one sweep over the subscriptions selected by w.
func (a *App) SyncWindow(ctx context.Context, w billing.SyncWindow) (billing.SyncReport, error) {
	return a.Syncer.Sync(ctx, w.Filter(time.Now()))
}

// Migrate applies the billing schema without building the rest of the app.
func Migrate(ctx context.Context, cfg pg.Config, log *slog.Logger) error {
	pool, err := pg.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return pg.Migrate(ctx, pool, cfg, pgstore.Migrations, log)
}
