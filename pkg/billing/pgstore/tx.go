package pgstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

// WithinUser runs fn in a transaction holding the user's advisory lock.
// Unique violations raised at commit are reported as billing.ErrConflict.
func (s *Store) WithinUser(ctx context.Context, userID uuid.UUID, fn func(tx billing.UserTx) error) (err error) {
	if userID == uuid.Nil {
		return billing.ErrMissingUserID
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, userID.String()); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}

	if err = fn(&userTx{q: tx, userID: userID}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return conflict(err)
	}
	return nil
}

type userTx struct {
	q      pgx.Tx
	userID uuid.UUID
}

func (t *userTx) UserID() uuid.UUID { return t.userID }

func (t *userTx) Customer(ctx context.Context) (*billing.Customer, error) {
	return getCustomer(ctx, t.q, t.userID, true)
}

func (t *userTx) SaveCustomer(ctx context.Context, c *billing.Customer) error {
	if c == nil || c.UserID != t.userID {
		return billing.ErrConflict
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO billing_customers (user_id, external_id, email, name, subscription_status,
			lifetime_amount, lifetime_currency, last_sync_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			subscription_status = EXCLUDED.subscription_status,
			lifetime_amount = EXCLUDED.lifetime_amount,
			lifetime_currency = EXCLUDED.lifetime_currency,
			last_sync_at = EXCLUDED.last_sync_at,
			updated_at = EXCLUDED.updated_at`,
		c.UserID, nullable(c.ExternalID), c.Email, c.Name, c.SubscriptionStatus,
		c.LifetimeValue.Amount, c.LifetimeValue.Currency, c.LastSyncAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save customer: %w", conflict(err))
	}
	return nil
}

func (t *userTx) Subscriptions(ctx context.Context) ([]billing.UserSubscription, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM billing_subscriptions
		WHERE user_id = $1 ORDER BY created_at, external_id`, t.userID)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// UpsertSubscription writes the full row. A row with the same external ID that
// belongs to another user is left untouched and reported as a conflict.
func (t *userTx) UpsertSubscription(ctx context.Context, sub *billing.UserSubscription) error {
	if sub == nil || sub.UserID != t.userID {
		return billing.ErrConflict
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	tag, err := t.q.Exec(ctx, `
		INSERT INTO billing_subscriptions (id, user_id, plan_id, price_id, external_id, status,
			current_period_start, current_period_end, cancel_at_period_end, canceled_at,
			started_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (external_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			price_id = EXCLUDED.price_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			started_at = EXCLUDED.started_at,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE billing_subscriptions.user_id = EXCLUDED.user_id`,
		sub.ID, sub.UserID, sub.PlanID, sub.PriceID, sub.ExternalID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CanceledAt,
		sub.StartedAt, sub.Version, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", conflict(err))
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrConflict
	}
	return nil
}

func (t *userTx) Ledger(ctx context.Context) ([]billing.LedgerEntry, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+ledgerColumns+` FROM billing_ledger
		WHERE user_id = $1 ORDER BY created_at, id`, t.userID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return collectLedger(rows)
}

func (t *userTx) PutLedgerEntry(ctx context.Context, e billing.LedgerEntry) error {
	if e.UserID != t.userID {
		return billing.ErrConflict
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO billing_ledger (id, user_id, event_id, reference, kind, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, kind, reference) DO UPDATE SET
			event_id = EXCLUDED.event_id,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			created_at = EXCLUDED.created_at`,
		e.ID, e.UserID, e.EventID, e.Reference, e.Kind, e.Amount.Amount, e.Amount.Currency, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("put ledger entry: %w", err)
	}
	return nil
}

func (t *userTx) MarkEventProcessed(ctx context.Context, e billing.ProcessedEvent) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO billing_processed_events (provider, event_id, type, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		e.Provider, e.EventID, e.Type, e.ProcessedAt)
	if err != nil {
		if pg.IsSerializationError(err) {
			return false, billing.ErrConflict
		}
		return false, fmt.Errorf("mark event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
