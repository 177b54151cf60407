package billing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/memstore"
)

func fields(externalID string, status billing.Status, startedAt, version time.Time) billing.SubscriptionFields {
	start := version.Truncate(24 * time.Hour)
	end := start.AddDate(0, 1, 0)
	return billing.SubscriptionFields{
		ExternalID:         externalID,
		Status:             status,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		StartedAt:          startedAt,
		Version:            version,
	}
}

func newCustomer(t *testing.T, store *memstore.Store) uuid.UUID {
	t.Helper()
	c, err := store.GetOrCreateCustomer(context.Background(), billing.UserRef{ID: uuid.New(), Email: "u@example.com"})
	require.NoError(t, err)
	return c.UserID
}

func TestUpsertUserSubscription_CreatesAndReplaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	user := newCustomer(t, store)

	res, err := billing.UpsertUserSubscription(ctx, store, user, fields("sub_1", billing.StatusTrialing, base, base))
	require.NoError(t, err)
	assert.Nil(t, res.Previous)
	assert.Empty(t, res.Superseded)

	f := fields("sub_1", billing.StatusActive, time.Time{}, base.Add(time.Hour))
	f.CancelAtPeriodEnd = true
	res, err = billing.UpsertUserSubscription(ctx, store, user, f)
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	assert.Equal(t, billing.StatusTrialing, res.Previous.Status)
	assert.Equal(t, res.Previous.ID, res.Subscription.ID)
	assert.Equal(t, base, res.Subscription.StartedAt, "started_at kept when omitted")
	assert.True(t, res.Subscription.CancelAtPeriodEnd)

	customer, err := store.GetCustomer(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, customer.SubscriptionStatus)
	require.NotNil(t, customer.LastSyncAt)
}

func TestUpsertUserSubscription_VersionGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	user := newCustomer(t, store)

	_, err := billing.UpsertUserSubscription(ctx, store, user, fields("sub_1", billing.StatusPastDue, base, base.Add(time.Hour)))
	require.NoError(t, err)

	_, err = billing.UpsertUserSubscription(ctx, store, user, fields("sub_1", billing.StatusActive, base, base))
	require.ErrorIs(t, err, billing.ErrStaleEvent)

	// Equal versions apply.
	_, err = billing.UpsertUserSubscription(ctx, store, user, fields("sub_1", billing.StatusActive, base, base.Add(time.Hour)))
	require.NoError(t, err)

	sub, err := store.CurrentSubscription(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
}

func TestUpsertUserSubscription_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	user := newCustomer(t, store)

	bad := fields("sub_1", billing.StatusActive, base, base)
	bad.CurrentPeriodEnd = bad.CurrentPeriodStart
	_, err := billing.UpsertUserSubscription(ctx, store, user, bad)
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)

	_, err = billing.UpsertUserSubscription(ctx, store, user, fields("", billing.StatusActive, base, base))
	assert.ErrorIs(t, err, billing.ErrInvalidEvent)

	_, err = billing.UpsertUserSubscription(ctx, store, user, fields("sub_1", billing.Status("bogus"), base, base))
	assert.ErrorIs(t, err, billing.ErrInvalidEvent)

	subs, _ := store.Snapshot(user)
	assert.Empty(t, subs)
}

func TestUpsertUserSubscription_SingleBillable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	user := newCustomer(t, store)

	_, err := billing.UpsertUserSubscription(ctx, store, user, fields("sub_a", billing.StatusActive, base, base))
	require.NoError(t, err)

	// An older subscription reactivating loses to the current one.
	res, err := billing.UpsertUserSubscription(ctx, store, user, fields("sub_old", billing.StatusActive, base.Add(-time.Hour), base.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, res.Subscription.Status)
	require.Len(t, res.Superseded, 1)
	assert.Equal(t, "sub_old", res.Superseded[0].ExternalID)

	// A newer one wins.
	res, err = billing.UpsertUserSubscription(ctx, store, user, fields("sub_b", billing.StatusTrialing, base.Add(time.Hour), base.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusTrialing, res.Subscription.Status)
	require.Len(t, res.Superseded, 1)
	assert.Equal(t, "sub_a", res.Superseded[0].ExternalID)

	subs, _ := store.Snapshot(user)
	billable := 0
	for _, s := range subs {
		if s.Status.Billable() {
			billable++
		}
	}
	assert.Equal(t, 1, billable)

	current, err := store.CurrentSubscription(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "sub_b", current.ExternalID)
}

func TestUpsertUserSubscription_ConcurrentWriters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	user := newCustomer(t, store)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("sub_%02d", i%8)
			at := base.Add(time.Duration(i) * time.Minute)
			_, _ = billing.UpsertUserSubscription(ctx, store, user, fields(id, billing.StatusActive, base.Add(time.Duration(i%8)*time.Hour), at))
		}()
	}
	wg.Wait()

	subs, _ := store.Snapshot(user)
	billable := 0
	for _, s := range subs {
		if s.Status.Billable() {
			billable++
		}
	}
	assert.Equal(t, 1, billable)
}

func TestCurrentOf(t *testing.T) {
	t.Parallel()
	assert.Nil(t, billing.CurrentOf(nil))

	subs := []billing.UserSubscription{
		{ExternalID: "a", Status: billing.StatusCanceled, Version: base},
		{ExternalID: "b", Status: billing.StatusCanceled, Version: base.Add(time.Hour)},
	}
	assert.Equal(t, "b", billing.CurrentOf(subs).ExternalID)

	subs = append(subs, billing.UserSubscription{ExternalID: "c", Status: billing.StatusPastDue, Version: base})
	assert.Equal(t, "c", billing.CurrentOf(subs).ExternalID)
}
