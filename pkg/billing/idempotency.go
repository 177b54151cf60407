package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CheckoutIdempotencyKey derives a deterministic key from the user, the price and the
// attempt window containing now. Retries inside one window map to the same provider session.
func CheckoutIdempotencyKey(userID, priceID uuid.UUID, now time.Time, window time.Duration) string {
	if window <= 0 {
		window = time.Hour
	}
	bucket := now.UTC().Truncate(window).Unix()

	h := sha256.New()
	h.Write(userID[:])
	h.Write(priceID[:])
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return "checkout-" + hex.EncodeToString(h.Sum(nil))[:40]
}

// CustomerIdempotencyKey makes provider customer creation safe to repeat.
func CustomerIdempotencyKey(userID uuid.UUID) string {
	return "customer-" + userID.String()
}

// NextCheckoutIdempotencyKey derives the key for a new attempt once the session saved
// under key is completed or expired. It is deterministic, so concurrent retries of that
// attempt still share one provider session.
func NextCheckoutIdempotencyKey(key, sessionID string) string {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	return "checkout-" + hex.EncodeToString(h.Sum(nil))[:40]
}
