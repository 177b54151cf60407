// Package pgstore implements billing.Store and billing.IntentStore on PostgreSQL.
//
// Writers for one user are serialized with a transaction-scoped advisory lock, and a
// partial unique index guarantees at most one billable subscription per user even if
// a caller bypasses WithinUser.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations holds the goose migrations of the billing schema.
var Migrations, _ = fs.Sub(embedded, "migrations")

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the PostgreSQL billing store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var (
	_ billing.Store       = (*Store)(nil)
	_ billing.IntentStore = (*Store)(nil)
)

// New creates a Store over pool. Panics if pool is nil.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	if pool == nil {
		panic("pgstore: pool is required")
	}
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) GetOrCreateCustomer(ctx context.Context, ref billing.UserRef) (*billing.Customer, error) {
	if ref.ID == uuid.Nil {
		return nil, billing.ErrMissingUserID
	}
	c := billing.NewCustomer(ref, s.now().UTC())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_customers (user_id, email, name, subscription_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id) DO NOTHING`,
		c.UserID, c.Email, c.Name, c.SubscriptionStatus, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	return getCustomer(ctx, s.pool, ref.ID, false)
}

func (s *Store) GetCustomer(ctx context.Context, userID uuid.UUID) (*billing.Customer, error) {
	return getCustomer(ctx, s.pool, userID, false)
}

func (s *Store) FindCustomerByExternalID(ctx context.Context, externalID string) (*billing.Customer, error) {
	c, err := scanCustomer(s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM billing_customers WHERE external_id = $1`, externalID))
	return c, notFound(err)
}

func (s *Store) SetCustomerExternalID(ctx context.Context, userID uuid.UUID, externalID string) (*billing.Customer, error) {
	if externalID == "" {
		return nil, billing.ErrInvalidEvent
	}
	c, err := scanCustomer(s.pool.QueryRow(ctx, `
		UPDATE billing_customers SET external_id = $2, updated_at = $3
		WHERE user_id = $1 AND external_id IS NULL
		RETURNING `+customerColumns,
		userID, externalID, s.now().UTC()))
	switch {
	case err == nil:
		return c, nil
	case pg.IsDuplicateKeyError(err):
		return nil, billing.ErrConflict
	case !pg.IsNotFoundError(err):
		return nil, fmt.Errorf("link customer: %w", err)
	}

	existing, err := s.GetCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing.ExternalID == externalID {
		return existing, nil
	}
	return nil, billing.ErrConflict
}

func (s *Store) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*billing.UserSubscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM billing_subscriptions
		WHERE user_id = $1
		ORDER BY status IN (`+billableStatuses+`) DESC, version DESC, updated_at DESC
		LIMIT 1`, userID))
	return sub, notFound(err)
}

func (s *Store) FindSubscriptionByExternalID(ctx context.Context, externalID string) (*billing.UserSubscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE external_id = $1`, externalID))
	return sub, notFound(err)
}

// ListSubscriptionsForSync returns matching rows, least recently versioned first.
func (s *Store) ListSubscriptionsForSync(ctx context.Context, filter billing.SyncFilter) ([]billing.UserSubscription, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeTerminal {
		where = append(where, "status NOT IN ('canceled', 'incomplete_expired')")
	}
	if len(filter.UserIDs) > 0 {
		ids := make([]string, len(filter.UserIDs))
		for i, id := range filter.UserIDs {
			ids[i] = id.String()
		}
		where = append(where, "user_id = ANY("+arg(ids)+"::uuid[])")
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "version < "+arg(*filter.UpdatedBefore))
	}
	if filter.PeriodEndFrom != nil {
		where = append(where, "current_period_end >= "+arg(*filter.PeriodEndFrom))
	}
	if filter.PeriodEndTo != nil {
		where = append(where, "current_period_end <= "+arg(*filter.PeriodEndTo))
	}

	q := `SELECT ` + subscriptionColumns + ` FROM billing_subscriptions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY version, external_id"
	if filter.Limit > 0 {
		q += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func getCustomer(ctx context.Context, q querier, userID uuid.UUID, forUpdate bool) (*billing.Customer, error) {
	sql := `SELECT ` + customerColumns + ` FROM billing_customers WHERE user_id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	c, err := scanCustomer(q.QueryRow(ctx, sql, userID))
	return c, notFound(err)
}

// notFound maps pgx.ErrNoRows to billing.ErrNotFound.
func notFound(err error) error {
	if pg.IsNotFoundError(err) {
		return billing.ErrNotFound
	}
	return err
}

// conflict maps unique violations to billing.ErrConflict.
func conflict(err error) error {
	if pg.IsDuplicateKeyError(err) {
		return errors.Join(billing.ErrConflict, err)
	}
	return err
}
