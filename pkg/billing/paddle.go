package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"
)

// PaddleConfig holds configuration for Paddle billing provider.
type PaddleConfig struct {
	APIKey        string        `env:"PADDLE_API_KEY"`
	WebhookSecret string        `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string        `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	Tolerance     time.Duration `env:"PADDLE_WEBHOOK_TOLERANCE" envDefault:"5m"`
}

// PaddleProvider implements Provider for Paddle Billing.
// Paddle has no checkout sessions; a draft transaction plays that role and its ID is the session ID.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
	now      func() time.Time
}

// NewPaddleProvider creates a new Paddle billing provider.
func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("%w: paddle environment %q", ErrInvalidProvider, cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		config:   cfg,
		now:      time.Now,
	}, nil
}

func (p *PaddleProvider) Name() string { return "paddle" }

func (p *PaddleProvider) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	creq := &paddle.CreateCustomerRequest{
		Email:      req.Email,
		CustomData: paddle.CustomData{MetadataUserID: req.UserID.String()},
	}
	if req.Name != "" {
		creq.Name = paddle.PtrTo(req.Name)
	}

	c, err := p.client.CustomersClient.CreateCustomer(ctx, creq)
	if err != nil {
		return "", translatePaddleError("create customer", err)
	}
	return c.ID, nil
}

// CreateCheckoutSession creates a transaction for the price. Paddle does not accept
// idempotency keys, so the key travels in custom data for traceability only.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	if req.PriceExternalID == "" {
		return nil, ErrMissingPriceID
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceExternalID,
		Quantity: 1,
	})
	treq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(req.CustomerExternalID),
		CustomData: paddle.CustomData{
			MetadataUserID:    req.UserID.String(),
			"idempotency_key": req.IdempotencyKey,
		},
	}
	if req.SuccessURL != "" {
		treq.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(req.SuccessURL)}
	}

	txn, err := p.client.TransactionsClient.CreateTransaction(ctx, treq)
	if err != nil {
		return nil, translatePaddleError("create transaction", err)
	}

	var t paddleTransaction
	if err := redecode(txn, &t); err != nil {
		return nil, errors.Join(ErrProviderRejected, err)
	}
	cs := t.session(p.now())
	if cs.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return cs, nil
}

func (p *PaddleProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	txn, err := p.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{TransactionID: sessionID})
	if err != nil {
		return nil, translatePaddleError("get transaction", err)
	}
	var t paddleTransaction
	if err := redecode(txn, &t); err != nil {
		return nil, errors.Join(ErrProviderRejected, err)
	}
	return t.session(p.now()), nil
}

func (p *PaddleProvider) FetchSubscription(ctx context.Context, externalID string) (*SubscriptionSnapshot, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{SubscriptionID: externalID})
	if err != nil {
		return nil, translatePaddleError("get subscription", err)
	}
	var s paddleSubscription
	if err := redecode(sub, &s); err != nil {
		return nil, errors.Join(ErrProviderRejected, err)
	}
	return s.fetched(p.now()), nil
}

func (p *PaddleProvider) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) (*SubscriptionSnapshot, error) {
	effective := paddle.EffectiveFromImmediately
	if atPeriodEnd {
		effective = paddle.EffectiveFromNextBillingPeriod
	}

	sub, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: externalID,
		EffectiveFrom:  paddle.PtrTo(effective),
	})
	if err != nil {
		return nil, translatePaddleError("cancel subscription", err)
	}
	var s paddleSubscription
	if err := redecode(sub, &s); err != nil {
		return nil, errors.Join(ErrProviderRejected, err)
	}
	return s.fetched(p.now()), nil
}

// VerifyAndParseEvent validates the Paddle-Signature header (ts=...;h1=...) and the
// replay window before decoding the payload.
func (p *PaddleProvider) VerifyAndParseEvent(payload []byte, signatureHeader string) (*Event, error) {
	ts, err := paddleSignatureTime(signatureHeader)
	if err != nil {
		return nil, errors.Join(ErrSignature, err)
	}
	if age := p.now().Sub(ts); age > p.config.Tolerance || age < -p.config.Tolerance {
		return nil, errors.Join(ErrSignature, fmt.Errorf("signature timestamp outside tolerance: %v", age))
	}

	req, err := http.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Join(ErrSignature, err)
	}
	req.Header.Set("Paddle-Signature", signatureHeader)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrSignature, err)
	}
	if !valid {
		return nil, ErrSignature
	}

	var env struct {
		EventID    string          `json:"event_id"`
		EventType  string          `json:"event_type"`
		OccurredAt time.Time       `json:"occurred_at"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Join(ErrInvalidEvent, err)
	}

	e := &Event{
		ID:         env.EventID,
		Provider:   p.Name(),
		Type:       env.EventType,
		Category:   CategoryUnknown,
		OccurredAt: env.OccurredAt.UTC(),
	}

	switch env.EventType {
	case "subscription.created":
		e.Category = CategorySubscriptionCreated
		err = decodePaddleSubscription(env.Data, e)
	case "subscription.activated", "subscription.updated", "subscription.trialing",
		"subscription.past_due", "subscription.paused", "subscription.resumed":
		e.Category = CategorySubscriptionUpdated
		err = decodePaddleSubscription(env.Data, e)
	case "subscription.canceled":
		e.Category = CategorySubscriptionDeleted
		err = decodePaddleSubscription(env.Data, e)
	case "transaction.completed":
		e.Category = CategoryPaymentSucceeded
		err = decodePaddleTransaction(env.Data, e)
	case "transaction.payment_failed", "transaction.past_due":
		e.Category = CategoryPaymentFailed
		err = decodePaddleTransaction(env.Data, e)
	case "adjustment.created", "adjustment.updated":
		err = decodePaddleAdjustment(env.Data, e)
	}
	if err != nil {
		return nil, errors.Join(ErrInvalidEvent, err)
	}
	return e, nil
}

func paddleSignatureTime(header string) (time.Time, error) {
	for part := range strings.SplitSeq(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == "ts" {
			sec, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid signature timestamp: %w", err)
			}
			return time.Unix(sec, 0), nil
		}
	}
	return time.Time{}, errors.New("signature timestamp missing")
}

type paddlePeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type paddleSubscription struct {
	ID                   string         `json:"id"`
	Status               string         `json:"status"`
	CustomerID           string         `json:"customer_id"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	StartedAt            *time.Time     `json:"started_at"`
	CanceledAt           *time.Time     `json:"canceled_at"`
	CurrentBillingPeriod *paddlePeriod  `json:"current_billing_period"`
	CustomData           map[string]any `json:"custom_data"`
	ScheduledChange      *struct {
		Action string `json:"action"`
	} `json:"scheduled_change"`
	Items []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
}

// fetched stamps an API read with Paddle's own updated_at, so its version does not
// depend on the local clock. now is used only when Paddle omits the field.
func (s paddleSubscription) fetched(now time.Time) *SubscriptionSnapshot {
	if s.UpdatedAt.IsZero() {
		return s.snapshot(now)
	}
	return s.snapshot(s.UpdatedAt)
}

func (s paddleSubscription) snapshot(observedAt time.Time) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ExternalID:         s.ID,
		CustomerExternalID: s.CustomerID,
		Status:             ParseStatus(s.Status),
		CancelAtPeriodEnd:  s.ScheduledChange != nil && s.ScheduledChange.Action == "cancel",
		StartedAt:          s.CreatedAt.UTC(),
		UserID:             customDataUserID(s.CustomData),
		ObservedAt:         observedAt.UTC(),
	}
	if s.StartedAt != nil {
		snap.StartedAt = s.StartedAt.UTC()
	}
	if s.CanceledAt != nil {
		snap.CanceledAt = timePtr(*s.CanceledAt)
	}
	if s.CurrentBillingPeriod != nil {
		snap.CurrentPeriodStart = timePtr(s.CurrentBillingPeriod.StartsAt)
		snap.CurrentPeriodEnd = timePtr(s.CurrentBillingPeriod.EndsAt)
	}
	if len(s.Items) > 0 {
		snap.PriceExternalID = s.Items[0].Price.ID
	}
	return snap
}

type paddleTransaction struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	CustomerID     *string        `json:"customer_id"`
	SubscriptionID *string        `json:"subscription_id"`
	CurrencyCode   string         `json:"currency_code"`
	CustomData     map[string]any `json:"custom_data"`
	Checkout       *struct {
		URL *string `json:"url"`
	} `json:"checkout"`
	Details struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
}

func (t paddleTransaction) session(now time.Time) *CheckoutSession {
	cs := &CheckoutSession{
		ID:        t.ID,
		Status:    CheckoutOpen,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	switch t.Status {
	case "completed", "paid":
		cs.Status = CheckoutComplete
	case "canceled":
		cs.Status = CheckoutExpired
	}
	if t.Checkout != nil && t.Checkout.URL != nil {
		cs.URL = *t.Checkout.URL
	}
	if t.CustomerID != nil {
		cs.CustomerExternalID = *t.CustomerID
	}
	if t.SubscriptionID != nil {
		cs.SubscriptionExternalID = *t.SubscriptionID
	}
	return cs
}

type paddleAdjustment struct {
	ID             string `json:"id"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	TransactionID  string `json:"transaction_id"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	CurrencyCode   string `json:"currency_code"`
	Totals         struct {
		Total string `json:"total"`
	} `json:"totals"`
}

func decodePaddleSubscription(raw json.RawMessage, e *Event) error {
	var s paddleSubscription
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	e.Subscription = s.snapshot(e.OccurredAt)
	e.SubscriptionExternalID = s.ID
	e.CustomerExternalID = s.CustomerID
	e.UserID = e.Subscription.UserID
	return nil
}

func decodePaddleTransaction(raw json.RawMessage, e *Event) error {
	var t paddleTransaction
	if err := json.Unmarshal(raw, &t); err != nil {
		return err
	}
	amount, err := parseMinorUnits(t.Details.Totals.GrandTotal)
	if err != nil {
		return err
	}
	if t.CustomerID != nil {
		e.CustomerExternalID = *t.CustomerID
	}
	if t.SubscriptionID != nil {
		e.SubscriptionExternalID = *t.SubscriptionID
	}
	e.UserID = customDataUserID(t.CustomData)
	// The transaction doubles as the checkout session.
	e.CheckoutSessionID = t.ID
	e.Payment = &Payment{
		Reference: t.ID,
		Amount:    Money{Amount: amount, Currency: strings.ToLower(t.CurrencyCode)},
	}
	return nil
}

// decodePaddleAdjustment only recognizes approved refunds; everything else stays unknown.
func decodePaddleAdjustment(raw json.RawMessage, e *Event) error {
	var a paddleAdjustment
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}
	if a.Action != "refund" || a.Status != "approved" {
		return nil
	}
	amount, err := parseMinorUnits(a.Totals.Total)
	if err != nil {
		return err
	}
	e.Category = CategoryPaymentRefunded
	e.CustomerExternalID = a.CustomerID
	e.SubscriptionExternalID = a.SubscriptionID
	e.Payment = &Payment{
		Reference: a.ID,
		Amount:    Money{Amount: amount, Currency: strings.ToLower(a.CurrencyCode)},
	}
	return nil
}

func customDataUserID(data map[string]any) uuid.UUID {
	if v, ok := data[MetadataUserID].(string); ok {
		return parseUserID(v)
	}
	return uuid.Nil
}

func parseMinorUnits(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// redecode converts an SDK response into a local view through its JSON form.
func redecode(from, to any) error {
	b, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, to)
}

// translatePaddleError treats transport failures and timeouts as transient and
// everything the API answered with as permanent.
func translatePaddleError(op string, err error) error {
	wrapped := fmt.Errorf("paddle %s: %w", op, err)

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return errors.Join(ErrProviderUnavailable, wrapped)
	}
	msg := err.Error()
	if strings.Contains(msg, "too_many_requests") || strings.Contains(msg, "internal_error") ||
		strings.Contains(msg, "service_unavailable") {
		return errors.Join(ErrProviderUnavailable, wrapped)
	}
	return errors.Join(ErrProviderRejected, wrapped)
}
