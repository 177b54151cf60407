package billing_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

type fallbackRecorder struct {
	mu       sync.Mutex
	sessions []string
	delays   []time.Duration
}

func (r *fallbackRecorder) ScheduleCheckoutFallback(_ context.Context, sessionID string, after time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	r.delays = append(r.delays, after)
	return nil
}

func newOrchestrator(f *fixture, scheduler billing.FallbackScheduler) *billing.Orchestrator {
	return billing.NewOrchestrator(f.provider, f.store, f.store, f.engine, billing.CheckoutConfig{
		SuccessURL:    "https://app.test/billing/checkout/success",
		CancelURL:     "https://app.test/pricing",
		AttemptWindow: time.Hour,
		FallbackDelay: 90 * time.Second,
	},
		billing.WithOrchestratorClock(f.clock),
		billing.WithFallbackScheduler(scheduler),
	)
}

func openSession(id string) *billing.CheckoutSession {
	return &billing.CheckoutSession{
		ID:        id,
		URL:       "https://checkout.test/" + id,
		Status:    billing.CheckoutOpen,
		ExpiresAt: base.Add(24 * time.Hour),
	}
}

func TestOrchestrator_BeginCheckoutCreatesCustomerLazily(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()

	user := billing.UserRef{ID: uuid.New(), Email: "lin@example.com", Name: "Lin"}

	f.provider.On("CreateCustomer", mock.Anything, mock.MatchedBy(func(r billing.CustomerRequest) bool {
		return r.UserID == user.ID && r.Email == user.Email && r.IdempotencyKey == billing.CustomerIdempotencyKey(user.ID)
	})).Return("cus_new", nil).Once()
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(r billing.CheckoutSessionRequest) bool {
		return r.CustomerExternalID == "cus_new" &&
			r.PriceExternalID == "price_pro" &&
			strings.HasSuffix(r.SuccessURL, "?session_id="+billing.SessionIDPlaceholder) &&
			strings.HasPrefix(r.IdempotencyKey, "checkout-")
	})).Return(openSession("cs_1"), nil).Once()

	url, err := o.BeginCheckout(ctx, user, f.price.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/cs_1", url)

	customer, err := f.store.GetCustomer(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "cus_new", customer.ExternalID)
	assert.Equal(t, billing.StatusNone, customer.SubscriptionStatus)

	intent, err := f.store.IntentBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, intent.UserID)
	assert.Equal(t, f.price.ID, intent.PriceID)
	assert.False(t, intent.Completed())
}

func TestOrchestrator_BeginCheckoutIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()

	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(openSession("cs_1"), nil).Once()

	first, err := o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)
	second, err := o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestOrchestrator_ConcurrentBeginCheckout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()
	user := billing.UserRef{ID: uuid.New(), Email: "sam@example.com"}

	f.provider.On("CreateCustomer", mock.Anything, mock.Anything).Return("cus_sam", nil)
	// The provider honours the idempotency key and returns the same session every time.
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(openSession("cs_sam"), nil)

	var wg sync.WaitGroup
	urls := make([]string, 16)
	errs := make([]error, 16)
	for i := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			urls[i], errs[i] = o.BeginCheckout(ctx, user, f.price.ID)
		}()
	}
	wg.Wait()

	for i := range urls {
		require.NoError(t, errs[i])
		assert.Equal(t, "https://checkout.test/cs_sam", urls[i])
	}
	f.provider.AssertNumberOfCalls(t, "CreateCustomer", 1)

	customer, err := f.store.GetCustomer(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "cus_sam", customer.ExternalID)
}

func TestOrchestrator_ConcurrentBeginCheckoutSharesProviderCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()

	// A provider without idempotency keys would open a new session per call.
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		After(20*time.Millisecond).
		Return(openSession("cs_once"), nil).Once()

	var wg sync.WaitGroup
	urls := make([]string, 8)
	errs := make([]error, 8)
	for i := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			urls[i], errs[i] = o.BeginCheckout(ctx, f.user, f.price.ID)
		}()
	}
	wg.Wait()

	for i := range urls {
		require.NoError(t, errs[i])
		assert.Equal(t, "https://checkout.test/cs_once", urls[i])
	}
	f.provider.AssertNumberOfCalls(t, "CreateCheckoutSession", 1)
}

func TestOrchestrator_BeginCheckoutAfterCompletedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()

	firstKey := billing.CheckoutIdempotencyKey(f.user.ID, f.price.ID, base, time.Hour)
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(r billing.CheckoutSessionRequest) bool {
		return r.IdempotencyKey == firstKey
	})).Return(openSession("cs_1"), nil).Once()

	url, err := o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/cs_1", url)

	// The session completes without leaving a billable subscription on this price.
	ev := billing.Event{
		ID:                 "evt_done",
		Provider:           "test",
		Type:               string(billing.CategoryCheckoutCompleted),
		Category:           billing.CategoryCheckoutCompleted,
		OccurredAt:         base.Add(time.Minute),
		CustomerExternalID: "cus_1",
		CheckoutSessionID:  "cs_1",
	}
	outcome, err := f.deliver(t, ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, outcome)

	secondKey := billing.NextCheckoutIdempotencyKey(firstKey, "cs_1")
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(r billing.CheckoutSessionRequest) bool {
		return r.IdempotencyKey == secondKey
	})).Return(openSession("cs_2"), nil).Once()

	url, err = o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/cs_2", url)

	first, err := f.store.IntentBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, first.Completed(), "the finished session stays completed")

	second, err := f.store.IntentBySession(ctx, "cs_2")
	require.NoError(t, err)
	assert.Equal(t, secondKey, second.IdempotencyKey)
	assert.False(t, second.Completed())

	// The new session is reused inside the window.
	url, err = o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/cs_2", url)
}

func TestOrchestrator_BeginCheckoutAfterExpiredSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := base
	o := billing.NewOrchestrator(f.provider, f.store, f.store, f.engine, billing.CheckoutConfig{
		SuccessURL:    "https://app.test/billing/checkout/success",
		CancelURL:     "https://app.test/pricing",
		AttemptWindow: time.Hour,
	}, billing.WithOrchestratorClock(func() time.Time { return now }))
	ctx := context.Background()

	short := openSession("cs_short")
	short.ExpiresAt = base.Add(10 * time.Minute)
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(short, nil).Once()
	_, err := o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)

	now = base.Add(20 * time.Minute)
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(r billing.CheckoutSessionRequest) bool {
		return r.IdempotencyKey == billing.NextCheckoutIdempotencyKey(
			billing.CheckoutIdempotencyKey(f.user.ID, f.price.ID, base, time.Hour), "cs_short")
	})).Return(openSession("cs_fresh"), nil).Once()

	url, err := o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/cs_fresh", url)
}

func TestOrchestrator_BeginCheckoutAlreadySubscribed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()

	_, err := f.deliver(t, subEvent("evt_1", billing.CategorySubscriptionCreated, "sub_1", billing.StatusActive, base))
	require.NoError(t, err)

	_, err = o.BeginCheckout(ctx, f.user, f.price.ID)
	require.ErrorIs(t, err, billing.ErrAlreadySubscribed)
	assert.Equal(t, "You're already subscribed to this plan.", billing.UserMessage(err))
	f.provider.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
}

func TestOrchestrator_BeginCheckoutRejectsUnsellablePrices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()

	inactive := billing.Price{ID: uuid.New(), ExternalID: "price_old", Interval: billing.IntervalYear, Active: false}
	require.NoError(t, f.store.SavePrice(ctx, &inactive))

	retired := billing.Plan{ID: uuid.New(), Name: "Legacy", ExternalProductID: "prod_legacy", Active: false}
	require.NoError(t, f.store.SavePlan(ctx, &retired))
	retiredID := retired.ID
	onRetired := billing.Price{ID: uuid.New(), PlanID: &retiredID, ExternalID: "price_legacy", Interval: billing.IntervalMonth, Active: true}
	require.NoError(t, f.store.SavePrice(ctx, &onRetired))

	for name, priceID := range map[string]uuid.UUID{
		"unknown":        uuid.New(),
		"inactive price": inactive.ID,
		"inactive plan":  onRetired.ID,
	} {
		_, err := o.BeginCheckout(ctx, f.user, priceID)
		assert.ErrorIs(t, err, billing.ErrInvalidPrice, name)
	}

	_, err := o.BeginCheckout(ctx, billing.UserRef{}, f.price.ID)
	assert.ErrorIs(t, err, billing.ErrMissingUserID)
	_, err = o.BeginCheckout(ctx, f.user, uuid.Nil)
	assert.ErrorIs(t, err, billing.ErrMissingPriceID)
}

func TestOrchestrator_BeginCheckoutProviderFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()

	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		Return(nil, errors.Join(billing.ErrProviderUnavailable, errors.New("503"))).Once()

	_, err := o.BeginCheckout(ctx, f.user, f.price.ID)
	require.ErrorIs(t, err, billing.ErrProviderUnavailable)
	assert.Contains(t, billing.WithMessage("/pricing", err), "error=")

	_, err = f.store.IntentByKey(ctx, billing.CheckoutIdempotencyKey(f.user.ID, f.price.ID, base, time.Hour))
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestOrchestrator_ConfirmReturn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	scheduler := &fallbackRecorder{}
	o := newOrchestrator(f, scheduler)
	ctx := context.Background()

	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(openSession("cs_1"), nil).Once()
	_, err := o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)

	outcome, err := o.ConfirmReturn(ctx, f.user.ID, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, billing.ReturnPending, outcome)
	assert.Equal(t, []string{"cs_1"}, scheduler.sessions)
	assert.Equal(t, []time.Duration{90 * time.Second}, scheduler.delays)

	ev := subEvent("evt_1", billing.CategoryCheckoutCompleted, "sub_1", billing.StatusActive, base.Add(time.Minute))
	ev.CheckoutSessionID = "cs_1"
	_, err = f.deliver(t, ev)
	require.NoError(t, err)

	outcome, err = o.ConfirmReturn(ctx, f.user.ID, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, billing.ReturnConfirmed, outcome)
	assert.Len(t, scheduler.sessions, 1)

	_, err = o.ConfirmReturn(ctx, f.user.ID, "cs_unknown")
	assert.ErrorIs(t, err, billing.ErrNotFound)

	// Another user cannot read the session's state.
	outcome, err = o.ConfirmReturn(ctx, uuid.New(), "cs_1")
	assert.ErrorIs(t, err, billing.ErrNotFound)
	assert.Equal(t, billing.ReturnPending, outcome)
	assert.Len(t, scheduler.sessions, 1, "no fallback for a foreign session")
}

func TestOrchestrator_ReconcileCheckoutFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, &fallbackRecorder{})
	ctx := context.Background()

	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(openSession("cs_1"), nil).Once()
	_, err := o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)

	complete := openSession("cs_1")
	complete.Status = billing.CheckoutComplete
	complete.SubscriptionExternalID = "sub_1"
	f.provider.On("GetCheckoutSession", mock.Anything, "cs_1").Return(complete, nil).Once()
	f.provider.On("FetchSubscription", mock.Anything, "sub_1").
		Return(subEvent("", billing.CategorySubscriptionCreated, "sub_1", billing.StatusActive, base.Add(time.Minute)).Subscription, nil).Once()

	outcome, err := o.ReconcileCheckout(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, outcome)

	gate := billing.NewGate(f.store, billing.WithGateClock(f.clock))
	assert.True(t, gate.HasActiveAccess(ctx, f.user.ID))

	intent, err := f.store.IntentBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, intent.Completed())
	assert.Equal(t, "sub_1", intent.SubscriptionExternalID)

	// Already reconciled: no provider calls.
	outcome, err = o.ReconcileCheckout(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, outcome)

	// The webhook arriving late is still harmless.
	ev := subEvent("evt_1", billing.CategorySubscriptionCreated, "sub_1", billing.StatusActive, base.Add(time.Minute))
	outcome, err = f.deliver(t, ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, outcome)
}

func TestOrchestrator_ReconcileOpenSessionRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()

	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(openSession("cs_1"), nil).Once()
	_, err := o.BeginCheckout(ctx, f.user, f.price.ID)
	require.NoError(t, err)

	f.provider.On("GetCheckoutSession", mock.Anything, "cs_1").Return(openSession("cs_1"), nil).Once()
	_, err = o.ReconcileCheckout(ctx, "cs_1")
	assert.ErrorIs(t, err, billing.ErrRetryable)

	outcome, err := o.ReconcileCheckout(ctx, "cs_missing")
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeIgnored, outcome)
}

func TestOrchestrator_CancelSubscription(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := newOrchestrator(f, nil)
	ctx := context.Background()

	_, err := o.CancelSubscription(ctx, f.user.ID, true)
	require.ErrorIs(t, err, billing.ErrNoSubscription)

	_, err = f.deliver(t, subEvent("evt_1", billing.CategorySubscriptionCreated, "sub_1", billing.StatusActive, base))
	require.NoError(t, err)

	canceled := subEvent("", billing.CategorySubscriptionUpdated, "sub_1", billing.StatusActive, base.Add(time.Hour)).Subscription
	canceled.CancelAtPeriodEnd = true
	f.provider.On("CancelSubscription", mock.Anything, "sub_1", true).Return(canceled, nil).Once()

	sub, err := o.CancelSubscription(ctx, f.user.ID, true)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
}
