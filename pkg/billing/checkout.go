package billing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// ReturnOutcome is what the success page tells the user after the provider redirect.
type ReturnOutcome string

const (
	ReturnConfirmed ReturnOutcome = "confirmed"
	ReturnPending   ReturnOutcome = "pending"
)

// FallbackScheduler runs ReconcileCheckout for a session after a delay, in case the
// provider webhook never arrives.
type FallbackScheduler interface {
	ScheduleCheckoutFallback(ctx context.Context, sessionID string, after time.Duration) error
}

// CheckoutConfig holds checkout redirect targets and timing.
type CheckoutConfig struct {
	// SuccessURL receives the session id via SessionIDPlaceholder or a session_id query parameter.
	SuccessURL    string        `env:"BILLING_SUCCESS_URL" envDefault:"http://localhost:8080/billing/checkout/success"`
	CancelURL     string        `env:"BILLING_CANCEL_URL" envDefault:"http://localhost:8080/pricing"`
	AttemptWindow time.Duration `env:"BILLING_CHECKOUT_WINDOW" envDefault:"1h"`
	SessionTTL    time.Duration `env:"BILLING_CHECKOUT_SESSION_TTL" envDefault:"24h"`
	FallbackDelay time.Duration `env:"BILLING_CHECKOUT_FALLBACK_DELAY" envDefault:"2m"`
}

// maxCheckoutAttempts bounds how many finished sessions BeginCheckout skips inside one window.
const maxCheckoutAttempts = 8

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger. Nil is ignored.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOrchestratorMetrics records checkout session outcomes.
func WithOrchestratorMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithFallbackScheduler enables the grace-window fallback on ConfirmReturn.
func WithFallbackScheduler(s FallbackScheduler) OrchestratorOption {
	return func(o *Orchestrator) { o.scheduler = s }
}

// WithOrchestratorClock overrides the time source, mainly for tests.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator drives user-initiated billing actions: starting a hosted checkout,
// handling the return redirect and cancelling a subscription.
type Orchestrator struct {
	provider  Provider
	store     Store
	intents   IntentStore
	engine    *Engine
	scheduler FallbackScheduler
	cfg       CheckoutConfig
	customers singleflight.Group
	sessions  singleflight.Group
	metrics   *Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewOrchestrator creates a checkout orchestrator. Panics if a dependency is nil.
func NewOrchestrator(provider Provider, store Store, intents IntentStore, engine *Engine, cfg CheckoutConfig, opts ...OrchestratorOption) *Orchestrator {
	if provider == nil || store == nil || intents == nil || engine == nil {
		panic("billing: orchestrator requires provider, store, intent store and engine")
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = time.Hour
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = 2 * time.Minute
	}

	o := &Orchestrator{
		provider: provider,
		store:    store,
		intents:  intents,
		engine:   engine,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BeginCheckout returns the hosted checkout URL for user buying priceID.
// Repeated calls inside one attempt window return the same open session. Once that
// session is completed or expired, the next call starts a new one.
func (o *Orchestrator) BeginCheckout(ctx context.Context, user UserRef, priceID uuid.UUID) (string, error) {
	if user.ID == uuid.Nil {
		return "", ErrMissingUserID
	}
	if priceID == uuid.Nil {
		return "", ErrMissingPriceID
	}

	price, err := o.purchasablePrice(ctx, priceID)
	if err != nil {
		o.metrics.checkoutSession("invalid_price")
		return "", err
	}

	if err := o.ensureNotSubscribed(ctx, user.ID, priceID); err != nil {
		o.metrics.checkoutSession("already_subscribed")
		return "", err
	}

	customer, err := o.ensureCustomer(ctx, user)
	if err != nil {
		o.metrics.checkoutSession("failed")
		return "", err
	}

	// Concurrent starts of one checkout share a provider call. Paddle has no idempotency keys.
	v, err, _ := o.sessions.Do(user.ID.String()+":"+priceID.String(), func() (any, error) {
		return o.openSession(ctx, user, customer, price)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// openSession hands out the unexpired session of the current attempt or creates one.
// A completed or expired session moves the attempt to a fresh idempotency key.
func (o *Orchestrator) openSession(ctx context.Context, user UserRef, customer *Customer, price *Price) (string, error) {
	now := o.now().UTC()
	key := CheckoutIdempotencyKey(user.ID, price.ID, now, o.cfg.AttemptWindow)

	for range maxCheckoutAttempts {
		existing, err := o.intents.IntentByKey(ctx, key)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			o.logger.WarnContext(ctx, "checkout intent lookup failed",
				logger.UserID(user.ID.String()), logger.Error(err))
			break
		}
		if existing.Reusable(now) {
			o.metrics.checkoutSession("reused")
			return existing.URL, nil
		}
		key = NextCheckoutIdempotencyKey(key, existing.SessionID)
	}

	session, err := o.provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		UserID:             user.ID,
		CustomerExternalID: customer.ExternalID,
		PriceExternalID:    price.ExternalID,
		SuccessURL:         successURL(o.cfg.SuccessURL),
		CancelURL:          o.cfg.CancelURL,
		IdempotencyKey:     key,
	})
	if err != nil {
		o.metrics.checkoutSession("failed")
		return "", err
	}
	if session.URL == "" {
		o.metrics.checkoutSession("failed")
		return "", ErrNoCheckoutURL
	}

	expires := session.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(o.cfg.SessionTTL)
	}
	intent := &CheckoutIntent{
		SessionID:      session.ID,
		UserID:         user.ID,
		PriceID:        price.ID,
		IdempotencyKey: key,
		URL:            session.URL,
		ExpiresAt:      expires.UTC(),
		CreatedAt:      now,
	}
	if err := o.intents.SaveIntent(ctx, intent); err != nil {
		o.metrics.checkoutSession("failed")
		return "", errors.Join(ErrRetryable, err)
	}

	o.metrics.checkoutSession("created")
	o.logger.InfoContext(ctx, "checkout session created",
		logger.UserID(user.ID.String()),
		logger.PriceID(price.ID.String()),
		logger.SessionID(session.ID))
	return session.URL, nil
}

// ensureNotSubscribed refuses a checkout for the price the user already pays for.
func (o *Orchestrator) ensureNotSubscribed(ctx context.Context, userID, priceID uuid.UUID) error {
	sub, err := o.store.CurrentSubscription(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	case sub.Status.Billable() && sub.PriceID != nil && *sub.PriceID == priceID:
		return ErrAlreadySubscribed
	}
	return nil
}

// ConfirmReturn decides what the success page shows. It never trusts the redirect
// itself: confirmation comes only from local state written by a webhook or fallback.
// A session that belongs to another user is reported as ErrNotFound.
func (o *Orchestrator) ConfirmReturn(ctx context.Context, userID uuid.UUID, sessionID string) (ReturnOutcome, error) {
	if sessionID == "" || userID == uuid.Nil {
		return ReturnPending, ErrNotFound
	}
	intent, err := o.intents.IntentBySession(ctx, sessionID)
	if err != nil {
		return ReturnPending, err
	}
	if intent.UserID != userID {
		return ReturnPending, ErrNotFound
	}
	if intent.Completed() {
		return ReturnConfirmed, nil
	}

	sub, err := o.store.CurrentSubscription(ctx, intent.UserID)
	if err == nil && sub.Status.Billable() && !sub.UpdatedAt.Before(intent.CreatedAt) {
		return ReturnConfirmed, nil
	}

	if o.scheduler != nil {
		if err := o.scheduler.ScheduleCheckoutFallback(ctx, sessionID, o.cfg.FallbackDelay); err != nil {
			o.logger.WarnContext(ctx, "failed to schedule checkout fallback",
				logger.SessionID(sessionID), logger.Error(err))
		}
	}
	return ReturnPending, nil
}

// ReconcileCheckout pulls the session and its subscription from the provider and
// applies them. It does nothing once a webhook completed the checkout. A session
// that is still open yields ErrRetryable so the caller can try again later.
func (o *Orchestrator) ReconcileCheckout(ctx context.Context, sessionID string) (Outcome, error) {
	intent, err := o.intents.IntentBySession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeFailed, errors.Join(ErrRetryable, err)
	}
	if intent.Completed() {
		return OutcomeDuplicate, nil
	}

	session, err := o.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return OutcomeFailed, err
	}

	switch session.Status {
	case CheckoutExpired:
		o.logger.InfoContext(ctx, "checkout session expired without payment",
			logger.SessionID(sessionID), logger.UserID(intent.UserID.String()))
		return OutcomeIgnored, nil
	case CheckoutOpen:
		if o.now().Before(intent.ExpiresAt) {
			return OutcomeFailed, errors.Join(ErrRetryable, errors.New("checkout session still open"))
		}
		return OutcomeIgnored, nil
	}

	if session.SubscriptionExternalID == "" {
		return OutcomeIgnored, nil
	}

	snap, err := o.provider.FetchSubscription(ctx, session.SubscriptionExternalID)
	if err != nil {
		return OutcomeFailed, err
	}
	if snap.UserID == uuid.Nil {
		snap.UserID = intent.UserID
	}

	outcome, err := o.engine.ApplySnapshot(ctx, intent.UserID, snap)
	if err != nil {
		return outcome, err
	}
	if err := o.intents.CompleteIntent(ctx, sessionID, snap.ExternalID, o.now().UTC()); err != nil {
		o.logger.WarnContext(ctx, "failed to complete checkout intent",
			logger.SessionID(sessionID), logger.Error(err))
	}

	o.logger.InfoContext(ctx, "checkout reconciled by fallback",
		logger.SessionID(sessionID),
		logger.SubscriptionID(snap.ExternalID),
		logger.Outcome(string(outcome)))
	return outcome, nil
}

// CancelSubscription cancels the user's billable subscription at the provider,
// immediately or at the end of the current period, and mirrors the result locally.
func (o *Orchestrator) CancelSubscription(ctx context.Context, userID uuid.UUID, atPeriodEnd bool) (*UserSubscription, error) {
	sub, err := o.store.CurrentSubscription(ctx, userID)
	if errors.Is(err, ErrNotFound) || (err == nil && !sub.Status.Billable()) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}

	snap, err := o.provider.CancelSubscription(ctx, sub.ExternalID, atPeriodEnd)
	if err != nil {
		return nil, err
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = o.now().UTC()
	}
	if _, err := o.engine.ApplySnapshot(ctx, userID, snap); err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "subscription cancellation requested",
		logger.UserID(userID.String()),
		logger.SubscriptionID(sub.ExternalID),
		slog.Bool("at_period_end", atPeriodEnd))
	return o.store.CurrentSubscription(ctx, userID)
}

func (o *Orchestrator) purchasablePrice(ctx context.Context, priceID uuid.UUID) (*Price, error) {
	price, err := o.store.GetPrice(ctx, priceID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidPrice
	}
	if err != nil {
		return nil, err
	}
	if !price.Active || price.ExternalID == "" {
		return nil, ErrInvalidPrice
	}
	if price.PlanID != nil {
		plan, err := o.store.GetPlan(ctx, *price.PlanID)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidPrice
		}
		if err != nil {
			return nil, err
		}
		if !plan.Active {
			return nil, ErrInvalidPrice
		}
	}
	return price, nil
}

// ensureCustomer creates the provider customer on first checkout. Concurrent calls for
// the same user share one provider call; the idempotency key covers other processes.
// No store lock is held while the provider is called.
func (o *Orchestrator) ensureCustomer(ctx context.Context, user UserRef) (*Customer, error) {
	customer, err := o.store.GetOrCreateCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	if customer.HasExternalID() {
		return customer, nil
	}

	v, err, _ := o.customers.Do(user.ID.String(), func() (any, error) {
		if c, err := o.store.GetCustomer(ctx, user.ID); err == nil && c.HasExternalID() {
			return c, nil
		}
		externalID, err := o.provider.CreateCustomer(ctx, CustomerRequest{
			UserID:         user.ID,
			Email:          user.Email,
			Name:           user.Name,
			IdempotencyKey: CustomerIdempotencyKey(user.ID),
		})
		if err != nil {
			return nil, err
		}
		c, err := o.store.SetCustomerExternalID(ctx, user.ID, externalID)
		if errors.Is(err, ErrConflict) {
			// Another process linked a different customer first; keep theirs.
			return o.store.GetCustomer(ctx, user.ID)
		}
		return c, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Customer), nil
}

func successURL(base string) string {
	if base == "" || strings.Contains(base, SessionIDPlaceholder) {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	// The placeholder must stay unescaped for the provider to substitute it.
	return base + sep + "session_id=" + SessionIDPlaceholder
}
