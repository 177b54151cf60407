package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// AccessChange is emitted after a commit that flipped the user's entitlement.
type AccessChange struct {
	UserID                 uuid.UUID  `json:"user_id"`
	Email                  string     `json:"email"`
	Granted                bool       `json:"granted"`
	Status                 Status     `json:"status"`
	PlanID                 *uuid.UUID `json:"plan_id,omitempty"`
	SubscriptionExternalID string     `json:"subscription_external_id"`
	OccurredAt             time.Time  `json:"occurred_at"`
}

// PaymentFailure is emitted when a renewal payment fails.
type PaymentFailure struct {
	UserID                 uuid.UUID  `json:"user_id"`
	Email                  string     `json:"email"`
	SubscriptionExternalID string     `json:"subscription_external_id"`
	GraceUntil             *time.Time `json:"grace_until,omitempty"`
	OccurredAt             time.Time  `json:"occurred_at"`
}

// Notifier receives post-commit billing notifications. Failures are logged by the
// caller and never roll back state.
type Notifier interface {
	AccessChanged(ctx context.Context, change AccessChange) error
	PaymentFailed(ctx context.Context, failure PaymentFailure) error
}

// Notifiers fans out to every notifier and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) AccessChanged(ctx context.Context, change AccessChange) error {
	var errs []error
	for _, n := range ns {
		if err := n.AccessChanged(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ns Notifiers) PaymentFailed(ctx context.Context, failure PaymentFailure) error {
	var errs []error
	for _, n := range ns {
		if err := n.PaymentFailed(ctx, failure); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Archiver keeps verified raw webhook payloads for audit and replay.
type Archiver interface {
	Archive(ctx context.Context, provider, eventID string, payload []byte) error
}
