package billing

import (
	"errors"
	"net/url"
)

var (
	// ErrProviderUnavailable is a transient provider failure: timeouts, 5xx, rate limits, open circuit.
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	// ErrProviderRejected is a permanent provider failure such as invalid input or missing resource.
	ErrProviderRejected = errors.New("billing provider rejected request")
	// ErrSignature covers webhook payloads whose signature or timestamp cannot be trusted.
	ErrSignature = errors.New("invalid webhook signature")
	// ErrConflict is returned when a write would break a uniqueness invariant.
	ErrConflict = errors.New("billing state conflict")
	// ErrInvalidPrice is returned for unknown or inactive prices and prices on inactive plans.
	ErrInvalidPrice = errors.New("invalid or inactive price")
	// ErrNotFound is returned by stores for unknown customers, prices, subscriptions and intents.
	ErrNotFound = errors.New("billing record not found")
	// ErrRetryable wraps store failures while applying a webhook; the provider should redeliver.
	ErrRetryable = errors.New("billing event processing failed, retry later")
	// ErrStaleEvent marks an update older than the stored version. Callers treat it as an outcome.
	ErrStaleEvent = errors.New("stale billing event discarded")
	// ErrInvalidPeriod rejects a subscription whose period end is not after its start.
	ErrInvalidPeriod = errors.New("subscription period end must be after period start")
	// ErrInvalidEvent marks a verified payload that cannot be parsed into an event.
	ErrInvalidEvent = errors.New("malformed billing event")
	// ErrNoSubscription is returned when an action needs a billable subscription and the user has none.
	ErrNoSubscription = errors.New("user has no billable subscription")
	// ErrAlreadySubscribed is returned when the user's billable subscription is already on the requested price.
	ErrAlreadySubscribed = errors.New("user is already subscribed to this price")
	// ErrMissingUserID and ErrMissingPriceID reject checkout requests without ids.
	ErrMissingUserID  = errors.New("user ID is required")
	ErrMissingPriceID = errors.New("price ID is required")
	// ErrNoCheckoutURL means the provider created a session without a hosted page.
	ErrNoCheckoutURL = errors.New("no checkout URL returned from provider")
	// ErrMissingAPIKey and ErrMissingSecret are returned by provider constructors.
	ErrMissingAPIKey = errors.New("billing provider API key is required")
	ErrMissingSecret = errors.New("billing provider webhook secret is required")
	// ErrInvalidProvider is returned for an unknown provider name or incomplete settings.
	ErrInvalidProvider = errors.New("invalid billing provider configuration")
	// ErrCatalogMalformed wraps YAML and validation failures of a plan catalog.
	ErrCatalogMalformed = errors.New("malformed plan catalog")
)

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrRetryable)
}

// UserMessage converts an error into text safe to show on the pricing page.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidPrice):
		return "This plan is no longer available. Please choose another one."
	case errors.Is(err, ErrProviderUnavailable):
		return "Our payment provider is temporarily unavailable. Please try again in a few minutes."
	case errors.Is(err, ErrProviderRejected):
		return "We could not start the checkout. Please contact support if this keeps happening."
	case errors.Is(err, ErrConflict):
		return "Another checkout is already in progress. Please try again."
	case errors.Is(err, ErrAlreadySubscribed):
		return "You're already subscribed to this plan."
	case errors.Is(err, ErrNoSubscription):
		return "You do not have an active subscription."
	default:
		return "Something went wrong. Please try again."
	}
}

// WithMessage appends a user message as the "error" query parameter of target.
func WithMessage(target string, err error) string {
	u, perr := url.Parse(target)
	if perr != nil {
		return target
	}
	q := u.Query()
	q.Set("error", UserMessage(err))
	u.RawQuery = q.Encode()
	return u.String()
}
