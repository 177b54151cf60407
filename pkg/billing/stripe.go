package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// StripeConfig holds configuration for the Stripe billing provider.
type StripeConfig struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	Tolerance     time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
}

// StripeOption customizes the Stripe API backend.
type StripeOption func(*stripeOptions)

type stripeOptions struct {
	backendURL string
	httpClient *http.Client
}

// WithStripeBackendURL points the client at a different API host, e.g. stripe-mock.
func WithStripeBackendURL(url string) StripeOption {
	return func(o *stripeOptions) { o.backendURL = url }
}

// WithStripeHTTPClient sets the HTTP client used by the Stripe backend.
func WithStripeHTTPClient(c *http.Client) StripeOption {
	return func(o *stripeOptions) { o.httpClient = c }
}

// StripeProvider implements Provider for Stripe.
type StripeProvider struct {
	api    *client.API
	config StripeConfig
	now    func() time.Time
}

// NewStripeProvider creates a new Stripe billing provider.
// SDK-level network retries are disabled; ResilientProvider owns the retry policy.
func NewStripeProvider(cfg StripeConfig, opts ...StripeOption) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}

	o := &stripeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	bc := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
	if o.backendURL != "" {
		bc.URL = stripe.String(o.backendURL)
	}
	if o.httpClient != nil {
		bc.HTTPClient = o.httpClient
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &StripeProvider{
		api:    api,
		config: cfg,
		now:    time.Now,
	}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(req.Email)}
	params.Context = ctx
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	params.AddMetadata(MetadataUserID, req.UserID.String())
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", translateStripeError("create customer", err)
	}
	return c.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	if req.PriceExternalID == "" {
		return nil, ErrMissingPriceID
	}

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(req.CustomerExternalID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(req.PriceExternalID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID.String()),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataUserID: req.UserID.String()},
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserID, req.UserID.String())
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, translateStripeError("create checkout session", err)
	}
	if s.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return checkoutSessionFromStripe(s), nil
}

func (p *StripeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := p.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, translateStripeError("get checkout session", err)
	}
	return checkoutSessionFromStripe(s), nil
}

// FetchSubscription stamps the snapshot with the local clock. Stripe subscriptions carry
// no last-modified time, so versions assume the host clock stays close to Stripe's.
func (p *StripeProvider) FetchSubscription(ctx context.Context, externalID string) (*SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	s, err := p.api.Subscriptions.Get(externalID, params)
	if err != nil {
		return nil, translateStripeError("fetch subscription", err)
	}
	return snapshotFromStripe(s, p.now()), nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) (*SubscriptionSnapshot, error) {
	var (
		s   *stripe.Subscription
		err error
	)
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		s, err = p.api.Subscriptions.Update(externalID, params)
	} else {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		s, err = p.api.Subscriptions.Cancel(externalID, params)
	}
	if err != nil {
		return nil, translateStripeError("cancel subscription", err)
	}
	return snapshotFromStripe(s, p.now()), nil
}

// VerifyAndParseEvent checks the Stripe-Signature header against the raw body with
// the configured tolerance before the payload is decoded.
func (p *StripeProvider) VerifyAndParseEvent(payload []byte, signatureHeader string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.config.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.config.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Join(ErrSignature, err)
	}

	e := &Event{
		ID:         evt.ID,
		Provider:   p.Name(),
		Type:       string(evt.Type),
		Category:   CategoryUnknown,
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data == nil {
		return e, nil
	}
	raw := evt.Data.Raw

	switch evt.Type {
	case "customer.subscription.created":
		e.Category = CategorySubscriptionCreated
		err = decodeStripeSubscription(raw, e)
	case "customer.subscription.updated",
		"customer.subscription.paused",
		"customer.subscription.resumed",
		"customer.subscription.trial_will_end",
		"customer.subscription.pending_update_applied",
		"customer.subscription.pending_update_expired":
		e.Category = CategorySubscriptionUpdated
		err = decodeStripeSubscription(raw, e)
	case "customer.subscription.deleted":
		e.Category = CategorySubscriptionDeleted
		err = decodeStripeSubscription(raw, e)
	case "invoice.paid", "invoice.payment_succeeded":
		e.Category = CategoryPaymentSucceeded
		err = decodeStripeInvoice(raw, e)
	case "invoice.payment_failed":
		e.Category = CategoryPaymentFailed
		err = decodeStripeInvoice(raw, e)
	case "charge.refunded":
		e.Category = CategoryPaymentRefunded
		err = decodeStripeCharge(raw, e)
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		e.Category = CategoryCheckoutCompleted
		err = decodeStripeCheckoutSession(raw, e)
	}
	if err != nil {
		return nil, errors.Join(ErrInvalidEvent, err)
	}
	return e, nil
}

func decodeStripeSubscription(raw json.RawMessage, e *Event) error {
	var s stripe.Subscription
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	e.Subscription = snapshotFromStripe(&s, e.OccurredAt)
	e.SubscriptionExternalID = s.ID
	e.CustomerExternalID = e.Subscription.CustomerExternalID
	e.UserID = e.Subscription.UserID
	return nil
}

func decodeStripeInvoice(raw json.RawMessage, e *Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	if inv.Customer != nil {
		e.CustomerExternalID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		e.SubscriptionExternalID = inv.Subscription.ID
	}
	e.Payment = &Payment{
		Reference: inv.ID,
		Amount:    Money{Amount: inv.AmountPaid, Currency: string(inv.Currency)},
	}
	return nil
}

func decodeStripeCharge(raw json.RawMessage, e *Event) error {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return err
	}
	if ch.Customer != nil {
		e.CustomerExternalID = ch.Customer.ID
	}
	e.Payment = &Payment{
		Reference: ch.ID,
		Amount:    Money{Amount: ch.AmountRefunded, Currency: string(ch.Currency)},
	}
	return nil
}

func decodeStripeCheckoutSession(raw json.RawMessage, e *Event) error {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return err
	}
	e.CheckoutSessionID = cs.ID
	if cs.Customer != nil {
		e.CustomerExternalID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		e.SubscriptionExternalID = cs.Subscription.ID
	}
	e.UserID = parseUserID(cs.ClientReferenceID)
	return nil
}

func checkoutSessionFromStripe(s *stripe.CheckoutSession) *CheckoutSession {
	cs := &CheckoutSession{
		ID:     s.ID,
		URL:    s.URL,
		Status: CheckoutSessionStatus(s.Status),
	}
	if s.ExpiresAt > 0 {
		cs.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	if s.Customer != nil {
		cs.CustomerExternalID = s.Customer.ID
	}
	if s.Subscription != nil {
		cs.SubscriptionExternalID = s.Subscription.ID
	}
	return cs
}

func snapshotFromStripe(s *stripe.Subscription, observedAt time.Time) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ExternalID:         s.ID,
		Status:             ParseStatus(string(s.Status)),
		CurrentPeriodStart: unixPtr(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CanceledAt:         unixPtr(s.CanceledAt),
		UserID:             parseUserID(s.Metadata[MetadataUserID]),
		ObservedAt:         observedAt.UTC(),
	}
	switch {
	case s.StartDate > 0:
		snap.StartedAt = time.Unix(s.StartDate, 0).UTC()
	case s.Created > 0:
		snap.StartedAt = time.Unix(s.Created, 0).UTC()
	}
	if s.Customer != nil {
		snap.CustomerExternalID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		snap.PriceExternalID = s.Items.Data[0].Price.ID
	}
	return snap
}

// translateStripeError classifies SDK failures. Rate limits, 5xx and transport errors are transient.
func translateStripeError(op string, err error) error {
	wrapped := fmt.Errorf("stripe %s: %w", op, err)

	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.Type == stripe.ErrorTypeAPI {
			return errors.Join(ErrProviderUnavailable, wrapped)
		}
		return errors.Join(ErrProviderRejected, wrapped)
	}
	return errors.Join(ErrProviderUnavailable, wrapped)
}
