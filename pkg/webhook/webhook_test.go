package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/backoff"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/webhook"
)

const secret = "whsec_outbound"

func TestSignAndVerify(t *testing.T) {
	t.Parallel()
	now := time.Unix(1772366400, 0)
	payload := []byte(`{"type":"access.granted"}`)
	header := webhook.Sign(secret, payload, now)

	require.NoError(t, webhook.Verify(secret, payload, header, 5*time.Minute, now.Add(time.Minute)))

	tests := []struct {
		name    string
		secret  string
		payload []byte
		header  string
		at      time.Time
		want    error
	}{
		{"tampered body", secret, []byte(`{"type":"access.revoked"}`), header, now, webhook.ErrInvalidSignature},
		{"wrong secret", "other", payload, header, now, webhook.ErrInvalidSignature},
		{"too old", secret, payload, header, now.Add(6 * time.Minute), webhook.ErrSignatureExpired},
		{"from the future", secret, payload, header, now.Add(-6 * time.Minute), webhook.ErrSignatureExpired},
		{"no timestamp", secret, payload, "v1=abcd", now, webhook.ErrMalformedSignature},
		{"bad timestamp", secret, payload, "t=soon,v1=abcd", now, webhook.ErrMalformedSignature},
		{"empty", secret, payload, "", now, webhook.ErrMalformedSignature},
		{"no secret", "", payload, header, now, webhook.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := webhook.Verify(tt.secret, tt.payload, tt.header, 5*time.Minute, tt.at)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerify_AcceptsAnyMatchingSignature(t *testing.T) {
	t.Parallel()
	now := time.Now()
	payload := []byte(`{}`)
	header := webhook.Sign(secret, payload, now) + ",v1=deadbeef"
	assert.NoError(t, webhook.Verify(secret, payload, header, time.Minute, now))
}

func TestSender_RetriesTemporaryFailures(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	s := webhook.NewSender(webhook.WithRetries(3, backoff.Fixed(time.Millisecond)))
	require.NoError(t, s.Send(context.Background(), srv.URL, map[string]string{"ok": "yes"}))
	assert.Equal(t, int32(3), hits.Load())
}

func TestSender_PermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	s := webhook.NewSender(webhook.WithRetries(3, backoff.Fixed(time.Millisecond)))
	err := s.Send(context.Background(), srv.URL, map[string]string{})
	require.ErrorIs(t, err, webhook.ErrPermanentFailure)
	assert.Contains(t, err.Error(), "bad payload")
	assert.Equal(t, int32(1), hits.Load())
}

func TestSender_BreakerOpensPerHost(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	s := webhook.NewSender(
		webhook.WithRetries(0, backoff.Fixed(0)),
		webhook.WithBreaker(2, time.Minute),
	)
	ctx := context.Background()
	for range 2 {
		assert.ErrorIs(t, s.Send(ctx, srv.URL, 1), webhook.ErrDeliveryFailed)
	}
	assert.ErrorIs(t, s.Send(ctx, srv.URL, 1), webhook.ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSender_RejectsBadURLs(t *testing.T) {
	t.Parallel()
	s := webhook.NewSender()
	for _, u := range []string{"", "ftp://example.com", "http://", "::"} {
		assert.ErrorIs(t, s.Send(context.Background(), u, 1), webhook.ErrInvalidURL, u)
	}
}

func TestNotifier_SignedEnvelopes(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		received []webhook.Envelope
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := webhook.Verify(secret, body, r.Header.Get(webhook.SignatureHeader), time.Minute, time.Now()); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var env webhook.Envelope
		_ = json.Unmarshal(body, &env)
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
	})
	a, b := httptest.NewServer(handler), httptest.NewServer(handler)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	n := webhook.NewNotifier(webhook.NewSender(webhook.WithSecret(secret)), []string{a.URL, b.URL})
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, n.AccessChanged(ctx, billing.AccessChange{UserID: user, Granted: true, Status: billing.StatusActive, OccurredAt: time.Now()}))
	require.NoError(t, n.PaymentFailed(ctx, billing.PaymentFailure{UserID: user, OccurredAt: time.Now()}))
	require.NoError(t, n.AccessChanged(ctx, billing.AccessChange{UserID: user, Status: billing.StatusCanceled, OccurredAt: time.Now()}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 6)
	counts := map[string]int{}
	for _, env := range received {
		counts[env.Type]++
		assert.NotEmpty(t, env.ID)
	}
	assert.Equal(t, map[string]int{
		webhook.EventAccessGranted: 2,
		webhook.EventPaymentFailed: 2,
		webhook.EventAccessRevoked: 2,
	}, counts)
}

func TestNotifier_JoinsErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	t.Cleanup(srv.Close)

	n := webhook.NewNotifier(webhook.NewSender(), []string{srv.URL, "not a url"})
	err := n.PaymentFailed(context.Background(), billing.PaymentFailure{UserID: uuid.New()})
	assert.ErrorIs(t, err, webhook.ErrPermanentFailure)
	assert.ErrorIs(t, err, webhook.ErrInvalidURL)
}
