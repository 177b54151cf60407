package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	module "github.com/dmitrymomot/billingsync/modules/billing"
	"github.com/dmitrymomot/billingsync/pkg/httpserver"
	"github.com/dmitrymomot/billingsync/pkg/requestid"
)

// Handler returns the service router: probes, metrics, the billing module and an
// entitlement endpoint for forward-auth proxies.
func (a *App) Handler() http.Handler {
	cfg := a.Config
	users := module.HeaderUserResolver()

	r := chi.NewRouter()
	r.Use(requestid.Middleware())
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.HTTP.WriteTimeout > 0 {
		r.Use(middleware.Timeout(cfg.HTTP.WriteTimeout))
	}

	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(a.Logger, 2*time.Second, a.checks...))
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))

	r.With(a.Gate.RequireAccess("", users.ID, nil)).Get("/access", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	m := module.New(cfg.Module, module.Deps{
		Webhooks:        a.Engine,
		Checkout:        a.Orchestrator,
		Refresher:       a.Syncer,
		Store:           a.Store,
		Access:          a.Gate,
		User:            users,
		SignatureHeader: cfg.SignatureHeader(),
		RateLimit: a.Limiter.Middleware(func(r *http.Request) string {
			if id, ok := users.ID(r); ok {
				return "user:" + id.String()
			}
			return "ip:" + r.RemoteAddr
		}),
	})
	r.Mount(cfg.Module.BasePath, m.Router())
	return r
}
