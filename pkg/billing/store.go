package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines persistence for the billing domain model.
// All mutations of a single user's billing state go through WithinUser, which
// serializes concurrent writers for that user and commits all-or-nothing.
type Store interface {
	CatalogStore

	// GetOrCreateCustomer returns the user's customer, creating it with status none
	// and no external ID on first use.
	GetOrCreateCustomer(ctx context.Context, ref UserRef) (*Customer, error)
	// GetCustomer returns ErrNotFound if the user never started billing.
	GetCustomer(ctx context.Context, userID uuid.UUID) (*Customer, error)
	// FindCustomerByExternalID returns ErrNotFound for unknown provider customers.
	FindCustomerByExternalID(ctx context.Context, externalID string) (*Customer, error)
	// SetCustomerExternalID records the provider customer once. Setting the same value
	// again is a no-op; a different value yields ErrConflict.
	SetCustomerExternalID(ctx context.Context, userID uuid.UUID, externalID string) (*Customer, error)

	// CurrentSubscription returns the billable row, else the latest row, else ErrNotFound.
	CurrentSubscription(ctx context.Context, userID uuid.UUID) (*UserSubscription, error)
	FindSubscriptionByExternalID(ctx context.Context, externalID string) (*UserSubscription, error)
	ListSubscriptionsForSync(ctx context.Context, filter SyncFilter) ([]UserSubscription, error)

	WithinUser(ctx context.Context, userID uuid.UUID, fn func(tx UserTx) error) error
}

// UserTx is the per-user atomic unit handed to Store.WithinUser callbacks.
// Nothing written through it is visible to other readers until fn returns nil.
type UserTx interface {
	UserID() uuid.UUID
	// Customer returns ErrNotFound when the user has no customer row.
	Customer(ctx context.Context) (*Customer, error)
	SaveCustomer(ctx context.Context, c *Customer) error
	Subscriptions(ctx context.Context) ([]UserSubscription, error)
	UpsertSubscription(ctx context.Context, s *UserSubscription) error
	Ledger(ctx context.Context) ([]LedgerEntry, error)
	// PutLedgerEntry inserts or replaces the entry with the same (Kind, Reference).
	PutLedgerEntry(ctx context.Context, e LedgerEntry) error
	// MarkEventProcessed records the event id and returns false if it was already recorded.
	MarkEventProcessed(ctx context.Context, e ProcessedEvent) (bool, error)
}

// CatalogStore persists plans and prices.
type CatalogStore interface {
	SavePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	FindPlanByExternalID(ctx context.Context, externalProductID string) (*Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error)
	// DeletePlan removes the plan and clears PlanID on its prices.
	DeletePlan(ctx context.Context, id uuid.UUID) error

	// SavePrice upserts by ID. Activating a price deactivates the other active
	// price of the same (plan, interval).
	SavePrice(ctx context.Context, p *Price) error
	GetPrice(ctx context.Context, id uuid.UUID) (*Price, error)
	FindPriceByExternalID(ctx context.Context, externalID string) (*Price, error)
	ListPrices(ctx context.Context, planID uuid.UUID) ([]Price, error)
}

// ProcessedEvent is the deduplication record of a webhook event.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	Provider    string    `json:"provider"`
	Type        string    `json:"type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// SyncFilter selects subscriptions for the reconciliation sweep.
// Zero-valued fields do not filter.
type SyncFilter struct {
	UserIDs []uuid.UUID
	// UpdatedBefore selects rows whose Version is older than the given time.
	UpdatedBefore *time.Time
	// PeriodEndFrom and PeriodEndTo bound CurrentPeriodEnd (inclusive).
	PeriodEndFrom *time.Time
	PeriodEndTo   *time.Time
	// IncludeTerminal also selects canceled and expired rows.
	IncludeTerminal bool
	Limit           int
}

// Matches applies the filter to a single row. Stores without query support use it directly.
func (f SyncFilter) Matches(s UserSubscription) bool {
	if !f.IncludeTerminal && s.Status.Terminal() {
		return false
	}
	if len(f.UserIDs) > 0 {
		found := false
		for _, id := range f.UserIDs {
			if id == s.UserID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UpdatedBefore != nil && !s.Version.Before(*f.UpdatedBefore) {
		return false
	}
	if f.PeriodEndFrom != nil || f.PeriodEndTo != nil {
		if s.CurrentPeriodEnd == nil {
			return false
		}
		if f.PeriodEndFrom != nil && s.CurrentPeriodEnd.Before(*f.PeriodEndFrom) {
			return false
		}
		if f.PeriodEndTo != nil && s.CurrentPeriodEnd.After(*f.PeriodEndTo) {
			return false
		}
	}
	return true
}
