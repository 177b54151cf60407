package billing_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/memstore"
)

const testWebhookSecret = "whsec_test"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// mockProvider mocks outbound provider calls. Webhook verification is real:
// payloads are JSON-encoded billing.Event values signed with testWebhookSecret.
type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "test" }

func (m *mockProvider) CreateCustomer(ctx context.Context, req billing.CustomerRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutSessionRequest) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProvider) FetchSubscription(ctx context.Context, externalID string) (*billing.SubscriptionSnapshot, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.SubscriptionSnapshot), args.Error(1)
}

func (m *mockProvider) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) (*billing.SubscriptionSnapshot, error) {
	args := m.Called(ctx, externalID, atPeriodEnd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.SubscriptionSnapshot), args.Error(1)
}

func (m *mockProvider) VerifyAndParseEvent(payload []byte, signatureHeader string) (*billing.Event, error) {
	if !hmac.Equal([]byte(signatureHeader), []byte(signature(payload))) {
		return nil, billing.ErrSignature
	}
	var ev billing.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, errors.Join(billing.ErrInvalidEvent, err)
	}
	return &ev, nil
}

func signature(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func signed(t *testing.T, ev billing.Event) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return payload, signature(payload)
}

// recordingNotifier collects notifications for assertions.
type recordingNotifier struct {
	mu       sync.Mutex
	changes  []billing.AccessChange
	failures []billing.PaymentFailure
}

func (n *recordingNotifier) AccessChanged(_ context.Context, c billing.AccessChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return nil
}

func (n *recordingNotifier) PaymentFailed(_ context.Context, f billing.PaymentFailure) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
	return nil
}

func (n *recordingNotifier) snapshot() ([]billing.AccessChange, []billing.PaymentFailure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]billing.AccessChange(nil), n.changes...), append([]billing.PaymentFailure(nil), n.failures...)
}

type fixture struct {
	store    *memstore.Store
	provider *mockProvider
	notifier *recordingNotifier
	engine   *billing.Engine
	user     billing.UserRef
	plan     billing.Plan
	price    billing.Price
	clock    func() time.Time
}

// newFixture seeds one plan with an active monthly price and a customer linked to cus_1.
func newFixture(t *testing.T, opts ...billing.EngineOption) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:    memstore.New(memstore.WithClock(func() time.Time { return base })),
		provider: &mockProvider{},
		notifier: &recordingNotifier{},
		user:     billing.UserRef{ID: uuid.New(), Email: "ada@example.com", Name: "Ada"},
		clock:    func() time.Time { return base },
	}

	f.plan = billing.Plan{
		ID:                uuid.New(),
		Name:              "Pro",
		ExternalProductID: "prod_pro",
		Capabilities:      []billing.Capability{"exports"},
		Active:            true,
	}
	require.NoError(t, f.store.SavePlan(ctx, &f.plan))

	planID := f.plan.ID
	f.price = billing.Price{
		ID:            uuid.New(),
		PlanID:        &planID,
		ExternalID:    "price_pro",
		Interval:      billing.IntervalMonth,
		IntervalCount: 1,
		Amount:        billing.Money{Amount: 1900, Currency: "usd"},
		Active:        true,
	}
	require.NoError(t, f.store.SavePrice(ctx, &f.price))

	_, err := f.store.GetOrCreateCustomer(ctx, f.user)
	require.NoError(t, err)
	_, err = f.store.SetCustomerExternalID(ctx, f.user.ID, "cus_1")
	require.NoError(t, err)

	all := append([]billing.EngineOption{
		billing.WithNotifier(f.notifier),
		billing.WithEngineClock(f.clock),
		billing.WithEngineGrace(72 * time.Hour),
	}, opts...)
	f.engine = billing.NewEngine(f.provider, f.store, f.store, all...)
	t.Cleanup(func() { f.provider.AssertExpectations(t) })
	return f
}

func (f *fixture) deliver(t *testing.T, ev billing.Event) (billing.Outcome, error) {
	t.Helper()
	payload, sig := signed(t, ev)
	return f.engine.HandleEvent(context.Background(), payload, sig)
}

func subEvent(id string, category billing.EventCategory, subID string, status billing.Status, at time.Time) billing.Event {
	start := at.Truncate(24 * time.Hour)
	end := start.AddDate(0, 1, 0)
	return billing.Event{
		ID:                     id,
		Provider:               "test",
		Type:                   string(category),
		Category:               category,
		OccurredAt:             at,
		CustomerExternalID:     "cus_1",
		SubscriptionExternalID: subID,
		Subscription: &billing.SubscriptionSnapshot{
			ExternalID:         subID,
			CustomerExternalID: "cus_1",
			PriceExternalID:    "price_pro",
			Status:             status,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
			StartedAt:          base,
			ObservedAt:         at,
		},
	}
}

func paymentEvent(id string, category billing.EventCategory, subID, ref string, amount int64, at time.Time) billing.Event {
	return billing.Event{
		ID:                     id,
		Provider:               "test",
		Type:                   string(category),
		Category:               category,
		OccurredAt:             at,
		CustomerExternalID:     "cus_1",
		SubscriptionExternalID: subID,
		Payment: &billing.Payment{
			Reference: ref,
			Amount:    billing.Money{Amount: amount, Currency: "usd"},
		},
	}
}
