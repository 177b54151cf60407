package billing

import (
	"time"

	"github.com/google/uuid"
)

// UserRef identifies the application user a billing action is performed for.
// Authentication lives outside this package; handlers resolve a UserRef and pass it in.
type UserRef struct {
	ID    uuid.UUID
	Email string
	Name  string
}

// Customer links an application user to the provider's customer record.
// ExternalID stays empty until the first checkout creates the provider customer.
type Customer struct {
	UserID             uuid.UUID  `json:"user_id"`
	ExternalID         string     `json:"external_id,omitempty"`
	Email              string     `json:"email"`
	Name               string     `json:"name,omitempty"`
	SubscriptionStatus Status     `json:"subscription_status"`
	LifetimeValue      Money      `json:"lifetime_value"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewCustomer builds the initial customer record for a user.
func NewCustomer(ref UserRef, now time.Time) *Customer {
	return &Customer{
		UserID:             ref.ID,
		Email:              ref.Email,
		Name:               ref.Name,
		SubscriptionStatus: StatusNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// HasExternalID reports whether the provider customer has been created.
func (c *Customer) HasExternalID() bool {
	return c != nil && c.ExternalID != ""
}
