package pgstore

import (
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

const billableStatuses = `'trialing', 'active', 'past_due'`

const customerColumns = `user_id, COALESCE(external_id, ''), email, name, subscription_status,
	lifetime_amount, lifetime_currency, last_sync_at, created_at, updated_at`

func scanCustomer(row pgx.Row) (*billing.Customer, error) {
	var c billing.Customer
	err := row.Scan(&c.UserID, &c.ExternalID, &c.Email, &c.Name, &c.SubscriptionStatus,
		&c.LifetimeValue.Amount, &c.LifetimeValue.Currency, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.LastSyncAt = utcPtr(c.LastSyncAt)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return &c, nil
}

const subscriptionColumns = `id, user_id, plan_id, price_id, external_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	started_at, version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*billing.UserSubscription, error) {
	var s billing.UserSubscription
	err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &s.PriceID, &s.ExternalID, &s.Status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.CanceledAt,
		&s.StartedAt, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.CurrentPeriodStart = utcPtr(s.CurrentPeriodStart)
	s.CurrentPeriodEnd = utcPtr(s.CurrentPeriodEnd)
	s.CanceledAt = utcPtr(s.CanceledAt)
	s.StartedAt, s.Version = s.StartedAt.UTC(), s.Version.UTC()
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	return &s, nil
}

func collectSubscriptions(rows pgx.Rows) ([]billing.UserSubscription, error) {
	defer rows.Close()
	var out []billing.UserSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

const ledgerColumns = `id, user_id, event_id, reference, kind, amount, currency, created_at`

func collectLedger(rows pgx.Rows) ([]billing.LedgerEntry, error) {
	defer rows.Close()
	var out []billing.LedgerEntry
	for rows.Next() {
		var e billing.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventID, &e.Reference, &e.Kind,
			&e.Amount.Amount, &e.Amount.Currency, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

const planColumns = `id, name, description, features, capabilities, COALESCE(external_product_id, ''),
	active, sort_order, created_at, updated_at`

func scanPlan(row pgx.Row) (*billing.Plan, error) {
	var (
		p    billing.Plan
		caps []string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Features, &caps, &p.ExternalProductID,
		&p.Active, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, c := range caps {
		p.Capabilities = append(p.Capabilities, billing.Capability(c))
	}
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return &p, nil
}

const priceColumns = `id, plan_id, COALESCE(external_id, ''), interval, interval_count, amount, currency,
	active, featured, created_at, updated_at`

func scanPrice(row pgx.Row) (*billing.Price, error) {
	var p billing.Price
	err := row.Scan(&p.ID, &p.PlanID, &p.ExternalID, &p.Interval, &p.IntervalCount,
		&p.Amount.Amount, &p.Amount.Currency, &p.Active, &p.Featured, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return &p, nil
}

const intentColumns = `session_id, user_id, price_id, idempotency_key, url, expires_at,
	created_at, completed_at, subscription_external_id`

func scanIntent(row pgx.Row) (*billing.CheckoutIntent, error) {
	var i billing.CheckoutIntent
	err := row.Scan(&i.SessionID, &i.UserID, &i.PriceID, &i.IdempotencyKey, &i.URL,
		&i.ExpiresAt, &i.CreatedAt, &i.CompletedAt, &i.SubscriptionExternalID)
	if err != nil {
		return nil, err
	}
	i.ExpiresAt, i.CreatedAt = i.ExpiresAt.UTC(), i.CreatedAt.UTC()
	i.CompletedAt = utcPtr(i.CompletedAt)
	return &i, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// nullable stores empty identifiers as NULL so unique indexes ignore them.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func capabilities(cs []billing.Capability) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
