package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

func (s *Store) SaveIntent(ctx context.Context, i *billing.CheckoutIntent) error {
	if i == nil || i.SessionID == "" {
		return billing.ErrNotFound
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_checkout_intents (session_id, user_id, price_id, idempotency_key, url,
			expires_at, created_at, completed_at, subscription_external_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			url = EXCLUDED.url,
			expires_at = EXCLUDED.expires_at`,
		i.SessionID, i.UserID, i.PriceID, i.IdempotencyKey, i.URL,
		i.ExpiresAt, i.CreatedAt, i.CompletedAt, i.SubscriptionExternalID)
	if err != nil {
		return fmt.Errorf("save intent: %w", err)
	}
	return nil
}

func (s *Store) IntentBySession(ctx context.Context, sessionID string) (*billing.CheckoutIntent, error) {
	i, err := scanIntent(s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM billing_checkout_intents WHERE session_id = $1`, sessionID))
	return i, notFound(err)
}

// IntentByKey returns the newest intent saved under key.
func (s *Store) IntentByKey(ctx context.Context, key string) (*billing.CheckoutIntent, error) {
	i, err := scanIntent(s.pool.QueryRow(ctx, `
		SELECT `+intentColumns+` FROM billing_checkout_intents
		WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1`, key))
	return i, notFound(err)
}

func (s *Store) CompleteIntent(ctx context.Context, sessionID, subscriptionExternalID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing_checkout_intents SET
			completed_at = COALESCE(completed_at, $2),
			subscription_external_id = CASE
				WHEN completed_at IS NULL AND subscription_external_id = '' THEN $3
				ELSE subscription_external_id END
		WHERE session_id = $1`,
		sessionID, at.UTC(), subscriptionExternalID)
	if err != nil {
		return fmt.Errorf("complete intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}
