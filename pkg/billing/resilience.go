package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/dmitrymomot/billingsync/pkg/backoff"
)

// ResilienceConfig bounds every outbound provider call.
type ResilienceConfig struct {
	Timeout         time.Duration `env:"BILLING_PROVIDER_TIMEOUT" envDefault:"10s"`
	MaxRetries      int           `env:"BILLING_PROVIDER_MAX_RETRIES" envDefault:"3"`
	BreakerFailures uint32        `env:"BILLING_BREAKER_FAILURES" envDefault:"5"`
	BreakerTimeout  time.Duration `env:"BILLING_BREAKER_TIMEOUT" envDefault:"30s"`
}

// ResilienceOption configures a ResilientProvider.
type ResilienceOption func(*ResilientProvider)

// WithResilienceLogger sets the logger for retries and breaker transitions.
func WithResilienceLogger(l *slog.Logger) ResilienceOption {
	return func(p *ResilientProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithResilienceMetrics records breaker state and provider call outcomes.
func WithResilienceMetrics(m *Metrics) ResilienceOption {
	return func(p *ResilientProvider) { p.metrics = m }
}

// WithResilienceBackoff replaces the retry delay strategy.
func WithResilienceBackoff(s backoff.Strategy) ResilienceOption {
	return func(p *ResilientProvider) {
		if s != nil {
			p.backoff = s
		}
	}
}

// ResilientProvider decorates a Provider with per-call timeouts, bounded retries of
// transient failures and a circuit breaker. Rejections pass through unretried.
type ResilientProvider struct {
	next    Provider
	cfg     ResilienceConfig
	breaker *gobreaker.CircuitBreaker[any]
	backoff backoff.Strategy
	metrics *Metrics
	logger  *slog.Logger
}

// NewResilientProvider wraps next. Panics if next is nil.
func NewResilientProvider(next Provider, cfg ResilienceConfig, opts ...ResilienceOption) *ResilientProvider {
	if next == nil {
		panic("billing: provider is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	p := &ResilientProvider{
		next:    next,
		cfg:     cfg,
		backoff: backoff.Default(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrProviderRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("billing provider circuit breaker state changed",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return p
}

func (p *ResilientProvider) Name() string { return p.next.Name() }

func (p *ResilientProvider) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	return call(ctx, p, "create_customer", func(ctx context.Context) (string, error) {
		return p.next.CreateCustomer(ctx, req)
	})
}

func (p *ResilientProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	return call(ctx, p, "create_checkout_session", func(ctx context.Context) (*CheckoutSession, error) {
		return p.next.CreateCheckoutSession(ctx, req)
	})
}

func (p *ResilientProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	return call(ctx, p, "get_checkout_session", func(ctx context.Context) (*CheckoutSession, error) {
		return p.next.GetCheckoutSession(ctx, sessionID)
	})
}

func (p *ResilientProvider) FetchSubscription(ctx context.Context, externalID string) (*SubscriptionSnapshot, error) {
	return call(ctx, p, "fetch_subscription", func(ctx context.Context) (*SubscriptionSnapshot, error) {
		return p.next.FetchSubscription(ctx, externalID)
	})
}

func (p *ResilientProvider) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) (*SubscriptionSnapshot, error) {
	return call(ctx, p, "cancel_subscription", func(ctx context.Context) (*SubscriptionSnapshot, error) {
		return p.next.CancelSubscription(ctx, externalID, atPeriodEnd)
	})
}

// VerifyAndParseEvent is local computation and bypasses the breaker.
func (p *ResilientProvider) VerifyAndParseEvent(payload []byte, signatureHeader string) (*Event, error) {
	return p.next.VerifyAndParseEvent(payload, signatureHeader)
}

func call[T any](ctx context.Context, p *ResilientProvider, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := backoff.Retry(ctx, p.backoff, p.cfg.MaxRetries, IsTransient, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		res, err := p.breaker.Execute(func() (any, error) {
			return fn(cctx)
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return errors.Join(ErrProviderUnavailable, err)
		case err != nil:
			if !IsTransient(err) && !errors.Is(err, ErrProviderRejected) {
				// Unclassified failures, including our own timeout, are treated as transient.
				return errors.Join(ErrProviderUnavailable, err)
			}
			return err
		}
		if v, ok := res.(T); ok {
			out = v
		}
		return nil
	})

	p.metrics.providerCall(p.next.Name(), op, err)
	if err != nil {
		p.logger.WarnContext(ctx, "billing provider call failed",
			slog.String("provider", p.next.Name()),
			slog.String("op", op),
			slog.Any("error", err))
	}
	return out, err
}
