package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CheckoutIntent is the pending-checkout marker persisted when a hosted checkout session is created.
type CheckoutIntent struct {
	SessionID              string     `json:"session_id"`
	UserID                 uuid.UUID  `json:"user_id"`
	PriceID                uuid.UUID  `json:"price_id"`
	IdempotencyKey         string     `json:"idempotency_key"`
	URL                    string     `json:"url"`
	ExpiresAt              time.Time  `json:"expires_at"`
	CreatedAt              time.Time  `json:"created_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
	SubscriptionExternalID string     `json:"subscription_external_id,omitempty"`
}

// Completed reports whether a webhook or fallback already reconciled the checkout.
func (i *CheckoutIntent) Completed() bool {
	return i != nil && i.CompletedAt != nil
}

// Reusable reports whether the hosted session can be handed out again.
func (i *CheckoutIntent) Reusable(now time.Time) bool {
	return i != nil && !i.Completed() && now.Before(i.ExpiresAt)
}

// IntentStore persists checkout intents. Implementations: memstore, pgstore, redisstore.
type IntentStore interface {
	SaveIntent(ctx context.Context, intent *CheckoutIntent) error
	// IntentBySession returns ErrNotFound when the session is unknown.
	IntentBySession(ctx context.Context, sessionID string) (*CheckoutIntent, error)
	// IntentByKey returns ErrNotFound when no intent was saved under the idempotency key.
	IntentByKey(ctx context.Context, key string) (*CheckoutIntent, error)
	// CompleteIntent marks the session reconciled. Completing twice is not an error.
	CompleteIntent(ctx context.Context, sessionID, subscriptionExternalID string, at time.Time) error
}
