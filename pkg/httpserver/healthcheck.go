package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(context.Context) error
}

// LivenessHandler always answers 200 "ALIVE".
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ALIVE"))
	}
}

// ReadinessHandler runs every check with timeout and answers 200 "READY" or
// 503 "NOT_READY" when any check fails.
func ReadinessHandler(log *slog.Logger, timeout time.Duration, checks ...Check) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, c := range checks {
			if err := c.Fn(ctx); err != nil {
				log.ErrorContext(ctx, "readiness check failed",
					logger.Component(c.Name), logger.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("NOT_READY"))
				return
			}
		}
		_, _ = w.Write([]byte("READY"))
	}
}
