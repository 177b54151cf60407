package billing_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

const paddleSecret = "pdl_ntfset_test"

func newPaddle(t *testing.T) *billing.PaddleProvider {
	t.Helper()
	p, err := billing.NewPaddleProvider(billing.PaddleConfig{
		APIKey:        "pdl_test_key",
		WebhookSecret: paddleSecret,
		Environment:   "sandbox",
	})
	require.NoError(t, err)
	return p
}

func paddleHeader(body string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(paddleSecret))
	mac.Write([]byte(ts + ":" + body))
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}

func paddleEvent(id, typ string, at time.Time, data string) string {
	return fmt.Sprintf(`{"event_id":%q,"event_type":%q,"occurred_at":%q,"notification_id":"ntf_1","data":%s}`,
		id, typ, at.UTC().Format(time.RFC3339Nano), data)
}

func TestNewPaddleProvider_Config(t *testing.T) {
	t.Parallel()
	_, err := billing.NewPaddleProvider(billing.PaddleConfig{WebhookSecret: "x"})
	assert.ErrorIs(t, err, billing.ErrMissingAPIKey)
	_, err = billing.NewPaddleProvider(billing.PaddleConfig{APIKey: "x"})
	assert.ErrorIs(t, err, billing.ErrMissingSecret)
	_, err = billing.NewPaddleProvider(billing.PaddleConfig{APIKey: "x", WebhookSecret: "y", Environment: "staging"})
	assert.ErrorIs(t, err, billing.ErrInvalidProvider)
}

func TestPaddleProvider_SubscriptionEvent(t *testing.T) {
	t.Parallel()
	p := newPaddle(t)
	now := time.Now().UTC().Truncate(time.Second)

	data := `{
		"id": "sub_01h",
		"status": "active",
		"customer_id": "ctm_01h",
		"created_at": "2026-02-01T10:00:00Z",
		"started_at": "2026-02-01T10:00:00Z",
		"current_billing_period": {"starts_at": "2026-03-01T10:00:00Z", "ends_at": "2026-04-01T10:00:00Z"},
		"scheduled_change": {"action": "cancel", "effective_at": "2026-04-01T10:00:00Z"},
		"custom_data": {"user_id": "7a3c2f5e-3d7b-4c1e-9f0a-2b6d8e4c1a90"},
		"items": [{"price": {"id": "pri_01h"}}]
	}`
	body := paddleEvent("evt_01h", "subscription.updated", now, data)

	ev, err := p.VerifyAndParseEvent([]byte(body), paddleHeader(body, now))
	require.NoError(t, err)
	assert.Equal(t, "paddle", ev.Provider)
	assert.Equal(t, billing.CategorySubscriptionUpdated, ev.Category)
	assert.Equal(t, now, ev.OccurredAt)
	assert.Equal(t, "ctm_01h", ev.CustomerExternalID)
	assert.Equal(t, "7a3c2f5e-3d7b-4c1e-9f0a-2b6d8e4c1a90", ev.UserID.String())

	require.NotNil(t, ev.Subscription)
	assert.Equal(t, billing.StatusActive, ev.Subscription.Status)
	assert.Equal(t, "pri_01h", ev.Subscription.PriceExternalID)
	assert.True(t, ev.Subscription.CancelAtPeriodEnd)
	require.NotNil(t, ev.Subscription.CurrentPeriodEnd)
	assert.Equal(t, time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), *ev.Subscription.CurrentPeriodEnd)
}

func TestPaddleProvider_TransactionAndRefund(t *testing.T) {
	t.Parallel()
	p := newPaddle(t)
	now := time.Now().UTC()

	txn := `{"id":"txn_01h","status":"completed","customer_id":"ctm_01h","subscription_id":"sub_01h",
		"currency_code":"EUR","details":{"totals":{"grand_total":"2380"}}}`
	body := paddleEvent("evt_1", "transaction.completed", now, txn)
	ev, err := p.VerifyAndParseEvent([]byte(body), paddleHeader(body, now))
	require.NoError(t, err)
	assert.Equal(t, billing.CategoryPaymentSucceeded, ev.Category)
	assert.Equal(t, "txn_01h", ev.CheckoutSessionID)
	assert.Equal(t, billing.Money{Amount: 2380, Currency: "eur"}, ev.Payment.Amount)

	refund := `{"id":"adj_01h","action":"refund","status":"approved","transaction_id":"txn_01h",
		"customer_id":"ctm_01h","subscription_id":"sub_01h","currency_code":"EUR","totals":{"total":"1000"}}`
	body = paddleEvent("evt_2", "adjustment.updated", now, refund)
	ev, err = p.VerifyAndParseEvent([]byte(body), paddleHeader(body, now))
	require.NoError(t, err)
	assert.Equal(t, billing.CategoryPaymentRefunded, ev.Category)
	assert.Equal(t, int64(1000), ev.Payment.Amount.Amount)

	pending := `{"id":"adj_02h","action":"refund","status":"pending_approval","totals":{"total":"1000"}}`
	body = paddleEvent("evt_3", "adjustment.created", now, pending)
	ev, err = p.VerifyAndParseEvent([]byte(body), paddleHeader(body, now))
	require.NoError(t, err)
	assert.Equal(t, billing.CategoryUnknown, ev.Category)
}

func TestPaddleProvider_MalformedAmount(t *testing.T) {
	t.Parallel()
	p := newPaddle(t)
	now := time.Now().UTC()

	txn := `{"id":"txn_01h","details":{"totals":{"grand_total":"12.5"}}}`
	body := paddleEvent("evt_1", "transaction.completed", now, txn)
	_, err := p.VerifyAndParseEvent([]byte(body), paddleHeader(body, now))
	assert.ErrorIs(t, err, billing.ErrInvalidEvent)
}

func TestPaddleProvider_RejectsBadSignatures(t *testing.T) {
	t.Parallel()
	p := newPaddle(t)
	now := time.Now().UTC()
	body := paddleEvent("evt_1", "subscription.updated", now, `{"id":"sub_1"}`)

	headers := map[string]string{
		"expired":       paddleHeader(body, now.Add(-10*time.Minute)),
		"future":        paddleHeader(body, now.Add(10*time.Minute)),
		"wrong secret":  "ts=" + strconv.FormatInt(now.Unix(), 10) + ";h1=" + hex.EncodeToString(make([]byte, 32)),
		"no timestamp":  "h1=abc",
		"empty":         "",
		"bad timestamp": "ts=soon;h1=abc",
	}
	for name, header := range headers {
		_, err := p.VerifyAndParseEvent([]byte(body), header)
		assert.ErrorIs(t, err, billing.ErrSignature, name)
	}

	_, err := p.VerifyAndParseEvent([]byte(body+" "), paddleHeader(body, now))
	assert.ErrorIs(t, err, billing.ErrSignature, "tampered body")
}
