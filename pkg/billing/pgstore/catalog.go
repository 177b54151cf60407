package pgstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

func (s *Store) SavePlan(ctx context.Context, p *billing.Plan) error {
	if p == nil || p.ID == uuid.Nil {
		return billing.ErrNotFound
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_plans (id, name, description, features, capabilities, external_product_id,
			active, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			features = EXCLUDED.features,
			capabilities = EXCLUDED.capabilities,
			external_product_id = EXCLUDED.external_product_id,
			active = EXCLUDED.active,
			sort_order = EXCLUDED.sort_order,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Description, orEmpty(p.Features), capabilities(p.Capabilities),
		nullable(p.ExternalProductID), p.Active, p.SortOrder, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save plan: %w", conflict(err))
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*billing.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM billing_plans WHERE id = $1`, id))
	return p, notFound(err)
}

func (s *Store) FindPlanByExternalID(ctx context.Context, externalProductID string) (*billing.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM billing_plans WHERE external_product_id = $1`, externalProductID))
	return p, notFound(err)
}

func (s *Store) ListPlans(ctx context.Context, activeOnly bool) ([]billing.Plan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+planColumns+` FROM billing_plans
		WHERE active OR NOT $1
		ORDER BY sort_order, name`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []billing.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DeletePlan relies on ON DELETE SET NULL to detach prices and subscriptions.
func (s *Store) DeletePlan(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM billing_plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (s *Store) SavePrice(ctx context.Context, p *billing.Price) error {
	if p == nil || p.ID == uuid.Nil {
		return billing.ErrNotFound
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if p.Active && p.PlanID != nil {
			_, err := tx.Exec(ctx, `
				UPDATE billing_prices SET active = FALSE, updated_at = $4
				WHERE plan_id = $1 AND interval = $2 AND id <> $3 AND active`,
				*p.PlanID, p.Interval, p.ID, p.UpdatedAt)
			if err != nil {
				return fmt.Errorf("deactivate slot: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO billing_prices (id, plan_id, external_id, interval, interval_count, amount, currency,
				active, featured, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				plan_id = EXCLUDED.plan_id,
				external_id = EXCLUDED.external_id,
				interval = EXCLUDED.interval,
				interval_count = EXCLUDED.interval_count,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				active = EXCLUDED.active,
				featured = EXCLUDED.featured,
				updated_at = EXCLUDED.updated_at`,
			p.ID, p.PlanID, nullable(p.ExternalID), p.Interval, p.IntervalCount, p.Amount.Amount,
			p.Amount.Currency, p.Active, p.Featured, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save price: %w", conflict(err))
		}
		return nil
	})
}

func (s *Store) GetPrice(ctx context.Context, id uuid.UUID) (*billing.Price, error) {
	p, err := scanPrice(s.pool.QueryRow(ctx, `SELECT `+priceColumns+` FROM billing_prices WHERE id = $1`, id))
	return p, notFound(err)
}

func (s *Store) FindPriceByExternalID(ctx context.Context, externalID string) (*billing.Price, error) {
	p, err := scanPrice(s.pool.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM billing_prices WHERE external_id = $1`, externalID))
	return p, notFound(err)
}

func (s *Store) ListPrices(ctx context.Context, planID uuid.UUID) ([]billing.Price, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+priceColumns+` FROM billing_prices
		WHERE plan_id = $1 ORDER BY interval, amount`, planID)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	var out []billing.Price
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
