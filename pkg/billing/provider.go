package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Provider is the boundary to a payment provider (Stripe, Paddle).
// Adapters translate SDK errors into ErrProviderUnavailable or ErrProviderRejected
// and never touch local state.
type Provider interface {
	Name() string

	// CreateCustomer creates the provider customer and returns its ID.
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)

	// CreateCheckoutSession creates a hosted checkout. Repeating a call with the same
	// IdempotencyKey returns the same session where the provider supports it.
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)

	FetchSubscription(ctx context.Context, externalID string) (*SubscriptionSnapshot, error)
	// CancelSubscription cancels immediately or schedules cancellation at period end.
	CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) (*SubscriptionSnapshot, error)

	// VerifyAndParseEvent authenticates the raw payload before decoding it.
	// Bad or expired signatures yield ErrSignature.
	VerifyAndParseEvent(payload []byte, signatureHeader string) (*Event, error)
}

// CustomerRequest carries the data needed to create a provider customer.
type CustomerRequest struct {
	UserID         uuid.UUID
	Email          string
	Name           string
	IdempotencyKey string
}

// CheckoutSessionRequest contains data needed to create a checkout session.
type CheckoutSessionRequest struct {
	UserID             uuid.UUID
	CustomerExternalID string
	PriceExternalID    string
	// SuccessURL may contain SessionIDPlaceholder; the provider substitutes the session ID.
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// SessionIDPlaceholder is replaced by the provider with the checkout session ID on redirect.
const SessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"

// CheckoutSessionStatus mirrors the provider's view of a hosted checkout.
type CheckoutSessionStatus string

const (
	CheckoutOpen     CheckoutSessionStatus = "open"
	CheckoutComplete CheckoutSessionStatus = "complete"
	CheckoutExpired  CheckoutSessionStatus = "expired"
)

// CheckoutSession represents a hosted checkout session.
type CheckoutSession struct {
	ID                     string
	URL                    string
	Status                 CheckoutSessionStatus
	CustomerExternalID     string
	SubscriptionExternalID string
	ExpiresAt              time.Time
}

// SubscriptionSnapshot is the provider's authoritative view of a subscription.
type SubscriptionSnapshot struct {
	ExternalID         string
	CustomerExternalID string
	PriceExternalID    string
	Status             Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	StartedAt          time.Time
	// UserID comes from metadata attached at checkout; uuid.Nil when absent.
	UserID uuid.UUID
	// ObservedAt is when the provider produced this state (event time or fetch time).
	ObservedAt time.Time
}

// EventCategory is the closed set of webhook events the engine understands.
type EventCategory string

const (
	CategorySubscriptionCreated EventCategory = "subscription_created"
	CategorySubscriptionUpdated EventCategory = "subscription_updated"
	CategorySubscriptionDeleted EventCategory = "subscription_deleted"
	CategoryPaymentSucceeded    EventCategory = "payment_succeeded"
	CategoryPaymentFailed       EventCategory = "payment_failed"
	CategoryPaymentRefunded     EventCategory = "payment_refunded"
	CategoryCheckoutCompleted   EventCategory = "checkout_completed"
	CategoryUnknown             EventCategory = "unknown"
)

// Event is a verified, normalized provider webhook.
type Event struct {
	ID         string
	Provider   string
	Type       string // raw provider event type
	Category   EventCategory
	OccurredAt time.Time

	CustomerExternalID     string
	SubscriptionExternalID string
	// UserID comes from metadata when the provider echoes it back; uuid.Nil otherwise.
	UserID uuid.UUID

	Subscription *SubscriptionSnapshot
	Payment      *Payment
	// CheckoutSessionID is set for checkout events.
	CheckoutSessionID string
}

// Payment describes money movement reported by a payment or refund event.
type Payment struct {
	Reference string
	Amount    Money
}

// MetadataUserID is the metadata key carrying the application user ID.
const MetadataUserID = "user_id"

func parseUserID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	return timePtr(time.Unix(sec, 0))
}
