// Package billing mounts the billing HTTP surface: the provider webhook, the
// checkout redirect flow and the subscription self-service endpoints.
package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/binder"
	"github.com/dmitrymomot/billingsync/handler"
	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// Config holds the redirect targets of the billing pages.
type Config struct {
	// BasePath is where the module is mounted.
	BasePath     string        `env:"BILLING_BASE_PATH" envDefault:"/billing"`
	PricingURL   string        `env:"BILLING_PRICING_URL" envDefault:"/pricing"`
	LoginURL     string        `env:"BILLING_LOGIN_URL" envDefault:"/login"`
	PriceCookie  string        `env:"BILLING_PRICE_COOKIE" envDefault:"billing_price"`
	CookieTTL    time.Duration `env:"BILLING_PRICE_COOKIE_TTL" envDefault:"1h"`
	SecureCookie bool          `env:"BILLING_SECURE_COOKIE" envDefault:"true"`
	MaxBodyBytes int64         `env:"BILLING_WEBHOOK_MAX_BODY" envDefault:"1048576"`
}

type Webhooks interface {
	HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (billing.Outcome, error)
}

type Checkout interface {
	BeginCheckout(ctx context.Context, user billing.UserRef, priceID uuid.UUID) (string, error)
	ConfirmReturn(ctx context.Context, userID uuid.UUID, sessionID string) (billing.ReturnOutcome, error)
	CancelSubscription(ctx context.Context, userID uuid.UUID, atPeriodEnd bool) (*billing.UserSubscription, error)
}

type Refresher interface {
	RefreshUser(ctx context.Context, userID uuid.UUID) (*billing.UserSubscription, error)
}

type StatusStore interface {
	GetCustomer(ctx context.Context, userID uuid.UUID) (*billing.Customer, error)
	CurrentSubscription(ctx context.Context, userID uuid.UUID) (*billing.UserSubscription, error)
}

type AccessChecker interface {
	HasActiveAccess(ctx context.Context, userID uuid.UUID) bool
}

// UserResolver returns the authenticated user of a request.
type UserResolver func(r *http.Request) (billing.UserRef, bool)

// Deps are the collaborators of the module.
type Deps struct {
	Webhooks  Webhooks
	Checkout  Checkout
	Refresher Refresher
	Store     StatusStore
	Access    AccessChecker
	User      UserResolver
	// SignatureHeader is the request header carrying the provider signature.
	SignatureHeader string
	// RateLimit, when set, guards the routes that call the provider on behalf of a user.
	RateLimit func(http.Handler) http.Handler
}

// Module serves the billing routes.
type Module struct {
	cfg  Config
	deps Deps
}

// New panics when a dependency is missing.
func New(cfg Config, deps Deps) *Module {
	if deps.Webhooks == nil || deps.Checkout == nil || deps.Refresher == nil ||
		deps.Store == nil || deps.Access == nil || deps.User == nil {
		panic("billing module: all dependencies are required")
	}
	if deps.SignatureHeader == "" {
		panic("billing module: signature header is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PriceCookie == "" {
		cfg.PriceCookie = "billing_price"
	}
	if cfg.CookieTTL <= 0 {
		cfg.CookieTTL = time.Hour
	}
	return &Module{cfg: cfg, deps: deps}
}

// Router returns the billing routes, to be mounted at Config.BasePath.
func (m *Module) Router() chi.Router {
	r := chi.NewRouter()
	path := binder.Path(chi.URLParam)
	limited := chi.Chain()
	if m.deps.RateLimit != nil {
		limited = chi.Chain(m.deps.RateLimit)
	}

	r.Post("/webhook", m.webhook)

	r.Route("/checkout", func(r chi.Router) {
		r.Get("/price/{priceID}", handler.Wrap(m.selectPrice, handler.WithBinders(path)))
		r.With(limited...).Get("/start", handler.Wrap(m.startCheckout))
		r.Get("/success", handler.Wrap(m.checkoutSuccess, handler.WithBinders(binder.Query())))
	})

	r.Route("/subscription", func(r chi.Router) {
		r.With(limited...).Post("/cancel", handler.Wrap(m.cancel, handler.WithBinders(binder.Query(), binder.Form())))
		r.With(limited...).Post("/refresh", handler.Wrap(m.refresh))
		r.Get("/status", handler.Wrap(m.status))
	})
	return r
}

func (m *Module) url(p string) string {
	return m.cfg.BasePath + p
}
