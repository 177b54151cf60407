// Package config assembles the service configuration from the environment. Sections for
// backends that are switched off are not parsed, so their required variables stay optional.
package config

import (
	"errors"
	"fmt"
	"time"

	module "github.com/dmitrymomot/billingsync/modules/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/s3archive"
	pkgconfig "github.com/dmitrymomot/billingsync/pkg/config"
	"github.com/dmitrymomot/billingsync/pkg/email"
	"github.com/dmitrymomot/billingsync/pkg/httpserver"
	"github.com/dmitrymomot/billingsync/pkg/pg"
	"github.com/dmitrymomot/billingsync/pkg/queue"
	"github.com/dmitrymomot/billingsync/pkg/ratelimiter"
	"github.com/dmitrymomot/billingsync/pkg/redis"
	"github.com/dmitrymomot/billingsync/pkg/webhook"
)

const (
	ProviderStripe = "stripe"
	ProviderPaddle = "paddle"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

var ErrInvalid = errors.New("invalid configuration")

type App struct {
	Name     string `env:"APP_NAME" envDefault:"billingsync"`
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL"`
}

func (a App) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// Billing selects the provider and storage backends.
type Billing struct {
	Provider    string        `env:"BILLING_PROVIDER" envDefault:"stripe"`
	Store       string        `env:"BILLING_STORE" envDefault:"postgres"`
	Intents     string        `env:"BILLING_INTENT_STORE" envDefault:"redis"`
	GracePeriod time.Duration `env:"BILLING_GRACE_PERIOD" envDefault:"72h"`
	// CatalogFile is imported at startup when set.
	CatalogFile string `env:"BILLING_CATALOG_FILE"`
}

// Config is the full service configuration.
type Config struct {
	App        App
	HTTP       httpserver.Config
	Billing    Billing
	Checkout   billing.CheckoutConfig
	Sync       billing.SyncConfig
	Resilience billing.ResilienceConfig
	Module     module.Config
	RateLimit  ratelimiter.Config
	Queue      queue.Config
	Email      email.Config
	Notify     webhook.Config
	Archive    s3archive.Config

	Stripe billing.StripeConfig
	Paddle billing.PaddleConfig
	PG     pg.Config
	Redis  redis.Config
}

// Load reads every section the selected backends need.
func Load() (*Config, error) {
	var c Config
	err := errors.Join(
		pkgconfig.Load(&c.App),
		pkgconfig.Load(&c.HTTP),
		pkgconfig.Load(&c.Billing),
		pkgconfig.Load(&c.Checkout),
		pkgconfig.Load(&c.Sync),
		pkgconfig.Load(&c.Resilience),
		pkgconfig.Load(&c.Module),
		pkgconfig.Load(&c.RateLimit),
		pkgconfig.Load(&c.Queue),
		pkgconfig.Load(&c.Email),
		pkgconfig.Load(&c.Notify),
		pkgconfig.Load(&c.Archive),
	)
	if err != nil {
		return nil, err
	}
	if err := c.Billing.Validate(); err != nil {
		return nil, err
	}

	switch c.Billing.Provider {
	case ProviderStripe:
		err = pkgconfig.Load(&c.Stripe)
	case ProviderPaddle:
		err = pkgconfig.Load(&c.Paddle)
	}
	if err != nil {
		return nil, err
	}
	if c.NeedsPostgres() {
		if err := pkgconfig.Load(&c.PG); err != nil {
			return nil, err
		}
	}
	if c.NeedsRedis() {
		if err := pkgconfig.Load(&c.Redis); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// LoadPostgres reads only what the migrate command needs.
func LoadPostgres() (App, pg.Config, error) {
	var (
		app App
		cfg pg.Config
	)
	err := errors.Join(pkgconfig.Load(&app), pkgconfig.Load(&cfg))
	return app, cfg, err
}

func (b Billing) Validate() error {
	var errs []error
	if b.Provider != ProviderStripe && b.Provider != ProviderPaddle {
		errs = append(errs, fmt.Errorf("%w: BILLING_PROVIDER must be stripe or paddle, got %q", ErrInvalid, b.Provider))
	}
	if b.Store != BackendMemory && b.Store != BackendPostgres {
		errs = append(errs, fmt.Errorf("%w: BILLING_STORE must be memory or postgres, got %q", ErrInvalid, b.Store))
	}
	switch b.Intents {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("%w: BILLING_INTENT_STORE must be memory, postgres or redis, got %q", ErrInvalid, b.Intents))
	}
	if b.Intents == BackendPostgres && b.Store != BackendPostgres {
		errs = append(errs, fmt.Errorf("%w: postgres intents need BILLING_STORE=postgres", ErrInvalid))
	}
	if b.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("%w: BILLING_GRACE_PERIOD must not be negative", ErrInvalid))
	}
	return errors.Join(errs...)
}

func (c *Config) NeedsPostgres() bool { return c.Billing.Store == BackendPostgres }
func (c *Config) NeedsRedis() bool    { return c.Billing.Intents == BackendRedis }

// SignatureHeader is where the selected provider puts the webhook signature.
func (c *Config) SignatureHeader() string {
	if c.Billing.Provider == ProviderPaddle {
		return "Paddle-Signature"
	}
	return "Stripe-Signature"
}
