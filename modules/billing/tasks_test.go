package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	module "github.com/dmitrymomot/billingsync/modules/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/queue"
)

type mockReconciler struct{ mock.Mock }

func (m *mockReconciler) ReconcileCheckout(ctx context.Context, sessionID string) (billing.Outcome, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(billing.Outcome), args.Error(1)
}

type mockSweeper struct{ mock.Mock }

func (m *mockSweeper) StaleFilter() billing.SyncFilter {
	return m.Called().Get(0).(billing.SyncFilter)
}

func (m *mockSweeper) Sync(ctx context.Context, filter billing.SyncFilter) (billing.SyncReport, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).(billing.SyncReport), args.Error(1)
}

func TestFallbackQueue_OneTaskPerSession(t *testing.T) {
	t.Parallel()
	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)
	fq := module.NewFallbackQueue(enq)
	ctx := context.Background()

	require.NoError(t, fq.ScheduleCheckoutFallback(ctx, "cs_1", 10*time.Minute))
	require.NoError(t, fq.ScheduleCheckoutFallback(ctx, "cs_1", 10*time.Minute))
	require.NoError(t, fq.ScheduleCheckoutFallback(ctx, "cs_2", time.Minute))

	tasks := storage.Tasks(queue.TaskPending)
	require.Len(t, tasks, 2)
	var first queue.Task
	for _, task := range tasks {
		if task.Key == "checkout-fallback:cs_1" {
			first = task
		}
	}
	assert.Equal(t, queue.TaskName(module.CheckoutFallbackTask{}), first.Name)
	assert.Equal(t, "checkout-fallback:cs_1", first.Key)
	assert.Equal(t, 5, first.MaxRetries)
	assert.True(t, first.RunAt.After(time.Now().Add(9*time.Minute)))

	var payload module.CheckoutFallbackTask
	require.NoError(t, json.Unmarshal(first.Payload, &payload))
	assert.Equal(t, "cs_1", payload.SessionID)
}

func handlerByName(t *testing.T, handlers []queue.Handler, name string) queue.Handler {
	t.Helper()
	for _, h := range handlers {
		if h.Name() == name {
			return h
		}
	}
	t.Fatalf("no handler %q", name)
	return nil
}

func TestTaskHandlers_CheckoutFallback(t *testing.T) {
	t.Parallel()
	rec := &mockReconciler{}
	handlers := module.TaskHandlers(rec, &mockSweeper{}, nil)
	h := handlerByName(t, handlers, queue.TaskName(module.CheckoutFallbackTask{}))
	ctx := context.Background()

	rec.On("ReconcileCheckout", mock.Anything, "cs_ok").Return(billing.OutcomeApplied, nil).Once()
	rec.On("ReconcileCheckout", mock.Anything, "cs_down").
		Return(billing.OutcomeFailed, errors.Join(billing.ErrProviderUnavailable, errors.New("502"))).Once()
	rec.On("ReconcileCheckout", mock.Anything, "cs_gone").
		Return(billing.OutcomeFailed, errors.Join(billing.ErrProviderRejected, errors.New("no such session"))).Once()

	assert.NoError(t, h.Handle(ctx, json.RawMessage(`{"session_id":"cs_ok"}`)))
	assert.ErrorIs(t, h.Handle(ctx, json.RawMessage(`{"session_id":"cs_down"}`)), billing.ErrProviderUnavailable)
	assert.NoError(t, h.Handle(ctx, json.RawMessage(`{"session_id":"cs_gone"}`)), "permanent failures are not retried")
	assert.Error(t, h.Handle(ctx, json.RawMessage(`not json`)))
	rec.AssertExpectations(t)
}

func TestTaskHandlers_Sweep(t *testing.T) {
	t.Parallel()
	sw := &mockSweeper{}
	cutoff := time.Now().Add(-24 * time.Hour)
	filter := billing.SyncFilter{UpdatedBefore: &cutoff}
	sw.On("StaleFilter").Return(filter)
	sw.On("Sync", mock.Anything, filter).Return(billing.SyncReport{Visited: 3, Applied: 1}, nil).Once()
	sw.On("Sync", mock.Anything, filter).Return(billing.SyncReport{}, billing.ErrRetryable).Once()

	h := handlerByName(t, module.TaskHandlers(&mockReconciler{}, sw, nil), module.SweepTaskName)
	assert.NoError(t, h.Handle(context.Background(), nil))
	assert.ErrorIs(t, h.Handle(context.Background(), nil), billing.ErrRetryable)
	sw.AssertExpectations(t)
}
