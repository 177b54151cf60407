package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

func TestSyncWindow_Filter(t *testing.T) {
	t.Parallel()
	day := 24 * time.Hour

	t.Run("days left", func(t *testing.T) {
		t.Parallel()
		f := billing.SyncWindow{DaysLeft: 3}.Filter(base)
		require.NotNil(t, f.PeriodEndFrom)
		require.NotNil(t, f.PeriodEndTo)
		assert.Equal(t, base, *f.PeriodEndFrom)
		assert.Equal(t, base.Add(3*day), *f.PeriodEndTo)
		assert.Nil(t, f.UpdatedBefore)
	})

	t.Run("days ago", func(t *testing.T) {
		t.Parallel()
		f := billing.SyncWindow{DaysAgo: 2}.Filter(base)
		assert.Equal(t, base.Add(-2*day), *f.PeriodEndFrom)
		assert.Equal(t, base, *f.PeriodEndTo)
	})

	t.Run("explicit range wins", func(t *testing.T) {
		t.Parallel()
		f := billing.SyncWindow{DaysLeft: 30, DayStart: -1, DayEnd: 1}.Filter(base)
		assert.Equal(t, base.Add(-day), *f.PeriodEndFrom)
		assert.Equal(t, base.Add(day), *f.PeriodEndTo)
	})

	t.Run("stale only", func(t *testing.T) {
		t.Parallel()
		user := uuid.New()
		f := billing.SyncWindow{StaleAfter: 6 * time.Hour, UserIDs: []uuid.UUID{user}, Limit: 10}.Filter(base)
		assert.Nil(t, f.PeriodEndFrom)
		assert.Nil(t, f.PeriodEndTo)
		require.NotNil(t, f.UpdatedBefore)
		assert.Equal(t, base.Add(-6*time.Hour), *f.UpdatedBefore)
		assert.Equal(t, []uuid.UUID{user}, f.UserIDs)
		assert.Equal(t, 10, f.Limit)
	})
}

func TestSyncFilter_Matches(t *testing.T) {
	t.Parallel()
	end := base.Add(48 * time.Hour)
	sub := billing.UserSubscription{
		UserID:           uuid.New(),
		Status:           billing.StatusActive,
		CurrentPeriodEnd: &end,
		Version:          base,
	}

	assert.True(t, billing.SyncFilter{}.Matches(sub))
	assert.True(t, billing.SyncWindow{DaysLeft: 3}.Filter(base).Matches(sub))
	assert.False(t, billing.SyncWindow{DaysLeft: 1}.Filter(base).Matches(sub))
	assert.False(t, billing.SyncFilter{UserIDs: []uuid.UUID{uuid.New()}}.Matches(sub))
	assert.False(t, billing.SyncWindow{StaleAfter: time.Hour}.Filter(base).Matches(sub))
	assert.True(t, billing.SyncWindow{StaleAfter: time.Hour}.Filter(base.Add(2*time.Hour)).Matches(sub))

	sub.Status = billing.StatusCanceled
	assert.False(t, billing.SyncFilter{}.Matches(sub))
	assert.True(t, billing.SyncFilter{IncludeTerminal: true}.Matches(sub))
}

func newSyncer(f *fixture, now time.Time) *billing.Syncer {
	return billing.NewSyncer(f.provider, f.store, f.engine,
		billing.SyncConfig{StaleAfter: 24 * time.Hour, Concurrency: 2},
		billing.WithSyncerClock(func() time.Time { return now }),
	)
}

func TestSyncer_RepairsMissedWebhook(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.deliver(t, subEvent("evt_1", billing.CategorySubscriptionCreated, "sub_1", billing.StatusActive, base))
	require.NoError(t, err)

	// The past_due webhook was lost; the provider now reports past_due.
	later := base.Add(48 * time.Hour)
	snap := subEvent("", billing.CategorySubscriptionUpdated, "sub_1", billing.StatusPastDue, base).Subscription
	snap.ObservedAt = time.Time{}
	f.provider.On("FetchSubscription", mock.Anything, "sub_1").Return(snap, nil).Once()

	s := newSyncer(f, later)
	report, err := s.Sync(ctx, s.StaleFilter())
	require.NoError(t, err)
	assert.Equal(t, billing.SyncReport{Visited: 1, Applied: 1}, report)

	sub, err := f.store.CurrentSubscription(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, sub.Status)
	assert.Equal(t, later, sub.Version)

	// Fresh rows are skipped on the next pass.
	report, err = s.Sync(ctx, s.StaleFilter())
	require.NoError(t, err)
	assert.Zero(t, report.Visited)
}

func TestSyncer_CountsFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.deliver(t, subEvent("evt_1", billing.CategorySubscriptionCreated, "sub_1", billing.StatusActive, base))
	require.NoError(t, err)

	f.provider.On("FetchSubscription", mock.Anything, "sub_1").
		Return(nil, errors.Join(billing.ErrProviderUnavailable, errors.New("timeout"))).Once()

	report, err := newSyncer(f, base.Add(48*time.Hour)).Sync(ctx, billing.SyncFilter{})
	require.NoError(t, err)
	assert.Equal(t, billing.SyncReport{Visited: 1, Failed: 1}, report)

	sub, err := f.store.CurrentSubscription(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
}

func TestSyncer_RefreshUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	s := newSyncer(f, base.Add(time.Hour))

	_, err := s.RefreshUser(ctx, f.user.ID)
	require.ErrorIs(t, err, billing.ErrNoSubscription)

	_, err = f.deliver(t, subEvent("evt_1", billing.CategorySubscriptionCreated, "sub_1", billing.StatusTrialing, base))
	require.NoError(t, err)

	snap := subEvent("", billing.CategorySubscriptionUpdated, "sub_1", billing.StatusActive, base.Add(time.Hour)).Subscription
	f.provider.On("FetchSubscription", mock.Anything, "sub_1").Return(snap, nil).Once()

	sub, err := s.RefreshUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
}
