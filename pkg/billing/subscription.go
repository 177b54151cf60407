package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// UserSubscription is the local mirror of one provider subscription.
// Version is the provider timestamp (event time or fetch time) that produced the current state;
// updates carrying an older version are discarded.
type UserSubscription struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	PlanID             *uuid.UUID `json:"plan_id,omitempty"`
	PriceID            *uuid.UUID `json:"price_id,omitempty"`
	ExternalID         string     `json:"external_id"`
	Status             Status     `json:"status"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	Version            time.Time  `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SubscriptionFields is the full set of mutable fields written by an upsert.
type SubscriptionFields struct {
	ExternalID         string
	PlanID             *uuid.UUID
	PriceID            *uuid.UUID
	Status             Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	StartedAt          time.Time
	Version            time.Time
}

// UpsertResult describes what a subscription upsert changed.
type UpsertResult struct {
	Subscription UserSubscription
	// Previous is the row before the upsert, nil when it was created.
	Previous *UserSubscription
	// Superseded holds rows that lost the single-billable slot and were canceled locally.
	// They may still be live at the provider.
	Superseded []UserSubscription
}

// ValidatePeriod checks that a billing period, when fully known, is well ordered.
func ValidatePeriod(start, end *time.Time) error {
	if start != nil && end != nil && !end.After(*start) {
		return ErrInvalidPeriod
	}
	return nil
}

// ApplySubscription performs a full-replace upsert inside a per-user transaction.
// It enforces the version guard (ErrStaleEvent) and the one-billable-per-user invariant:
// when two subscriptions compete, the one started later wins and the other is canceled.
func ApplySubscription(ctx context.Context, tx UserTx, userID uuid.UUID, f SubscriptionFields, now time.Time) (*UpsertResult, error) {
	if f.ExternalID == "" {
		return nil, errors.Join(ErrInvalidEvent, errors.New("subscription external ID is required"))
	}
	if !f.Status.Valid() || f.Status == StatusNone {
		return nil, errors.Join(ErrInvalidEvent, errors.New("invalid subscription status: "+string(f.Status)))
	}
	if err := ValidatePeriod(f.CurrentPeriodStart, f.CurrentPeriodEnd); err != nil {
		return nil, err
	}

	subs, err := tx.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}

	res := &UpsertResult{}
	next := UserSubscription{ID: uuid.New(), UserID: userID, CreatedAt: now}
	for i := range subs {
		if subs[i].ExternalID != f.ExternalID {
			continue
		}
		if f.Version.Before(subs[i].Version) {
			return nil, ErrStaleEvent
		}
		prev := subs[i]
		res.Previous = &prev
		next.ID = prev.ID
		next.CreatedAt = prev.CreatedAt
		if f.StartedAt.IsZero() {
			f.StartedAt = prev.StartedAt
		}
	}

	next.PlanID = f.PlanID
	next.PriceID = f.PriceID
	next.ExternalID = f.ExternalID
	next.Status = f.Status
	next.CurrentPeriodStart = f.CurrentPeriodStart
	next.CurrentPeriodEnd = f.CurrentPeriodEnd
	next.CancelAtPeriodEnd = f.CancelAtPeriodEnd
	next.CanceledAt = f.CanceledAt
	next.StartedAt = f.StartedAt
	if next.StartedAt.IsZero() {
		next.StartedAt = f.Version
	}
	next.Version = f.Version
	next.UpdatedAt = now

	var writes []UserSubscription
	if next.Status.Billable() {
		for _, other := range subs {
			if other.ExternalID == next.ExternalID || !other.Status.Billable() {
				continue
			}
			if supersedes(next, other) {
				cancelLocally(&other, now)
				res.Superseded = append(res.Superseded, other)
				writes = append(writes, other)
				continue
			}
			cancelLocally(&next, now)
			res.Superseded = append(res.Superseded, next)
			break
		}
	}
	// Demoted rows go first so a store-level unique index never sees two billable rows.
	writes = append(writes, next)

	for i := range writes {
		if err := tx.UpsertSubscription(ctx, &writes[i]); err != nil {
			return nil, err
		}
	}

	res.Subscription = next
	return res, nil
}

// UpsertUserSubscription applies fields atomically for a single user and refreshes
// the customer's mirrored status.
func UpsertUserSubscription(ctx context.Context, store Store, userID uuid.UUID, f SubscriptionFields) (*UpsertResult, error) {
	var res *UpsertResult
	err := store.WithinUser(ctx, userID, func(tx UserTx) error {
		now := time.Now().UTC()
		r, err := ApplySubscription(ctx, tx, userID, f, now)
		if err != nil {
			return err
		}
		if err := mirrorCustomerStatus(ctx, tx, now); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CurrentOf picks the row that represents the user's subscription: the billable one
// if any, otherwise the most recently versioned row.
func CurrentOf(subs []UserSubscription) *UserSubscription {
	var current *UserSubscription
	for i := range subs {
		s := &subs[i]
		if s.Status.Billable() {
			return s
		}
		if current == nil || s.Version.After(current.Version) ||
			(s.Version.Equal(current.Version) && s.UpdatedAt.After(current.UpdatedAt)) {
			current = s
		}
	}
	return current
}

// supersedes reports whether a wins the billable slot over b.
func supersedes(a, b UserSubscription) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.After(b.StartedAt)
	}
	return a.ExternalID > b.ExternalID
}

func cancelLocally(s *UserSubscription, now time.Time) {
	s.Status = StatusCanceled
	s.CancelAtPeriodEnd = false
	if s.CanceledAt == nil {
		at := now
		s.CanceledAt = &at
	}
	s.UpdatedAt = now
}

func mirrorCustomerStatus(ctx context.Context, tx UserTx, now time.Time) error {
	customer, err := tx.Customer(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	subs, err := tx.Subscriptions(ctx)
	if err != nil {
		return err
	}

	status := StatusNone
	if cur := CurrentOf(subs); cur != nil {
		status = cur.Status
	}

	customer.SubscriptionStatus = status
	customer.LastSyncAt = &now
	customer.UpdatedAt = now
	return tx.SaveCustomer(ctx, customer)
}
