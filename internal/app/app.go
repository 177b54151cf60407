// Package app wires configuration, storage, the payment provider and the billing
// components into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingsync/internal/config"
	module "github.com/dmitrymomot/billingsync/modules/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/memstore"
	"github.com/dmitrymomot/billingsync/pkg/billing/pgstore"
	"github.com/dmitrymomot/billingsync/pkg/billing/redisstore"
	"github.com/dmitrymomot/billingsync/pkg/billing/s3archive"
	"github.com/dmitrymomot/billingsync/pkg/email"
	"github.com/dmitrymomot/billingsync/pkg/httpserver"
	"github.com/dmitrymomot/billingsync/pkg/logger"
	"github.com/dmitrymomot/billingsync/pkg/pg"
	"github.com/dmitrymomot/billingsync/pkg/queue"
	"github.com/dmitrymomot/billingsync/pkg/ratelimiter"
	redisconn "github.com/dmitrymomot/billingsync/pkg/redis"
	"github.com/dmitrymomot/billingsync/pkg/requestid"
	"github.com/dmitrymomot/billingsync/pkg/webhook"
)

// PruneTaskName drops finished queue tasks and idle rate-limit buckets once a day.
const PruneTaskName = "queue.prune"

// App holds the constructed components. Close releases connections.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *billing.Metrics

	Store        billing.Store
	Intents      billing.IntentStore
	Provider     billing.Provider
	Engine       *billing.Engine
	Orchestrator *billing.Orchestrator
	Syncer       *billing.Syncer
	Gate         *billing.Gate

	Limiter   *ratelimiter.Limiter
	Tasks     *queue.MemoryStorage
	Worker    *queue.Worker
	Scheduler *queue.Scheduler

	checks  []httpserver.Check
	closers []func()
}

// NewLogger builds the process logger for the app section.
func NewLogger(c config.App) *slog.Logger {
	opts := []logger.Option{
		logger.WithEnvironment(c.Env, c.Name),
		logger.WithOutput(os.Stdout),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	}
	if c.LogLevel != "" {
		opts = append(opts, logger.WithLevelName(c.LogLevel))
	}
	return logger.New(opts...)
}

// New connects the configured backends and builds every billing component.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.App)
	}
	a := &App{Config: cfg, Logger: log, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = billing.NewMetrics(a.Registry)

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if a.Provider, err = a.newProvider(); err != nil {
		return nil, err
	}

	engineOpts := []billing.EngineOption{
		billing.WithEngineLogger(log.With(logger.Component("reconcile"))),
		billing.WithEngineMetrics(a.Metrics),
		billing.WithEngineGrace(cfg.Billing.GracePeriod),
	}
	if n := a.notifiers(); len(n) > 0 {
		engineOpts = append(engineOpts, billing.WithNotifier(n))
	}
	if cfg.Archive.Enabled() {
		archiver, err := s3archive.New(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, billing.WithArchiver(archiver))
	}
	a.Engine = billing.NewEngine(a.Provider, a.Store, a.Intents, engineOpts...)

	if a.Limiter, err = ratelimiter.New(cfg.RateLimit); err != nil {
		return nil, err
	}
	if err := a.newQueue(); err != nil {
		return nil, err
	}
	enqueuer, err := queue.NewEnqueuer(a.Tasks)
	if err != nil {
		return nil, err
	}

	a.Orchestrator = billing.NewOrchestrator(a.Provider, a.Store, a.Intents, a.Engine, cfg.Checkout,
		billing.WithOrchestratorLogger(log.With(logger.Component("checkout"))),
		billing.WithOrchestratorMetrics(a.Metrics),
		billing.WithFallbackScheduler(module.NewFallbackQueue(enqueuer)),
	)
	a.Syncer = billing.NewSyncer(a.Provider, a.Store, a.Engine, cfg.Sync,
		billing.WithSyncerLogger(log.With(logger.Component("sync"))),
		billing.WithSyncerMetrics(a.Metrics),
	)
	a.Gate = billing.NewGate(a.Store,
		billing.WithGracePeriod(cfg.Billing.GracePeriod),
		billing.WithGateLogger(log.With(logger.Component("gate"))),
	)

	a.Worker.RegisterHandlers(module.TaskHandlers(a.Orchestrator, a.Syncer, log.With(logger.Component("tasks")))...)
	a.Worker.RegisterHandlers(queue.NewPeriodicTaskHandler(PruneTaskName, func(ctx context.Context) error {
		tasks := a.Tasks.Prune(7 * 24 * time.Hour)
		buckets := a.Limiter.Prune(time.Hour)
		log.DebugContext(ctx, "pruned idle state", slog.Int("tasks", tasks), slog.Int("rate_buckets", buckets))
		return nil
	}))
	if err := errors.Join(
		a.Scheduler.AddTask(module.SweepTaskName, queue.EveryInterval(cfg.Sync.Interval), queue.WithMaxRetries(0)),
		a.Scheduler.AddTask(PruneTaskName, queue.DailyAt(3, 0)),
	); err != nil {
		return nil, err
	}

	if cfg.Billing.CatalogFile != "" {
		report, err := a.ImportCatalogFile(ctx, cfg.Billing.CatalogFile)
		if err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "plan catalog imported",
			slog.Int("plans_created", report.PlansCreated),
			slog.Int("plans_updated", report.PlansUpdated),
			slog.Int("prices_created", report.PricesCreated),
			slog.Int("prices_updated", report.PricesUpdated))
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	var pgs *pgstore.Store
	switch cfg.Billing.Store {
	case config.BackendPostgres:
		pool, err := pg.Connect(ctx, cfg.PG)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		a.checks = append(a.checks, httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(pool)})
		if err := pg.Migrate(ctx, pool, cfg.PG, pgstore.Migrations, a.Logger); err != nil {
			return err
		}
		pgs = pgstore.New(pool)
		a.Store = pgs
	default:
		mem := memstore.New()
		a.Store = mem
		if cfg.Billing.Intents == config.BackendMemory {
			a.Intents = mem
		}
	}

	switch cfg.Billing.Intents {
	case config.BackendRedis:
		client, err := redisconn.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.checks = append(a.checks, httpserver.Check{Name: "redis", Fn: redisconn.Healthcheck(client)})
		a.Intents = redisstore.New(client, redisstore.WithPrefix(cfg.Redis.KeyPrefix))
	case config.BackendPostgres:
		a.Intents = pgs
	case config.BackendMemory:
		if a.Intents == nil {
			a.Intents = memstore.New()
		}
	}
	return nil
}

func (a *App) newProvider() (billing.Provider, error) {
	cfg := a.Config
	var (
		p   billing.Provider
		err error
	)
	switch cfg.Billing.Provider {
	case config.ProviderPaddle:
		p, err = billing.NewPaddleProvider(cfg.Paddle)
	default:
		p, err = billing.NewStripeProvider(cfg.Stripe, billing.WithStripeHTTPClient(&http.Client{
			Timeout:   cfg.Resilience.Timeout,
			Transport: requestid.Transport{},
		}))
	}
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", cfg.Billing.Provider, err)
	}
	return billing.NewResilientProvider(p, cfg.Resilience,
		billing.WithResilienceLogger(a.Logger.With(logger.Component("provider"))),
		billing.WithResilienceMetrics(a.Metrics),
	), nil
}

func (a *App) notifiers() billing.Notifiers {
	cfg := a.Config
	var out billing.Notifiers
	if len(cfg.Notify.URLs) > 0 {
		sender := webhook.NewSender(
			webhook.WithSecret(cfg.Notify.Secret),
			webhook.WithRetries(cfg.Notify.MaxRetries, nil),
			webhook.WithBreaker(cfg.Notify.BreakerFailures, cfg.Notify.BreakerTimeout),
			webhook.WithLogger(a.Logger),
			webhook.WithHTTPClient(&http.Client{Timeout: 10 * time.Second, Transport: requestid.Transport{}}),
		)
		out = append(out, webhook.NewNotifier(sender, cfg.Notify.URLs))
	}

	sender, err := email.NewSender(cfg.Email)
	switch {
	case err == nil:
		out = append(out, email.NewNotifier(sender, cfg.Email, a.Logger.With(logger.Component("email"))))
	case errors.Is(err, email.ErrDisabled):
		a.Logger.Info("billing emails disabled")
	default:
		a.Logger.Warn("billing emails unavailable", logger.Error(err))
	}
	return out
}

func (a *App) newQueue() error {
	a.Tasks = queue.NewMemoryStorage()
	var err error
	a.Worker, err = queue.NewWorker(a.Tasks,
		queue.WithWorkerConfig(a.Config.Queue),
		queue.WithWorkerLogger(a.Logger.With(logger.Component("queue"))),
	)
	if err != nil {
		return err
	}
	a.Scheduler, err = queue.NewScheduler(a.Tasks,
		queue.WithSchedulerLogger(a.Logger.With(logger.Component("scheduler"))),
	)
	return err
}

// Run serves HTTP and processes background tasks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := httpserver.New(a.Config.HTTP, a.Handler(), httpserver.WithLogger(a.Logger))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(a.Worker.Run(ctx))
	g.Go(a.Scheduler.Run(ctx))
	return g.Wait()
}

// Close releases backend connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
