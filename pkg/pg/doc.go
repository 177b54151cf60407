// Package pg bootstraps PostgreSQL access on top of pgx/v5: a pooled connection
// with startup retries, goose migrations read from an fs.FS, a health check and
// helpers that classify driver errors.
//
// Typical start-up:
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, pgstore.Migrations, log); err != nil {
//		return err
//	}
//
// Connection parameters come from PG_* environment variables (see Config).
package pg
