package billing

import (
	"time"

	"github.com/google/uuid"
)

// LedgerKind distinguishes money received from money returned.
type LedgerKind string

const (
	LedgerPayment LedgerKind = "payment"
	LedgerRefund  LedgerKind = "refund"
)

// LedgerEntry records a payment or refund reported by the provider.
// Entries are keyed by (Kind, Reference); writing the same key again replaces the amount,
// which keeps cumulative refund totals correct.
type LedgerEntry struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	EventID   string     `json:"event_id"`
	Reference string     `json:"reference"`
	Kind      LedgerKind `json:"kind"`
	Amount    Money      `json:"amount"`
	CreatedAt time.Time  `json:"created_at"`
}

// ComputeLifetimeValue folds the ledger into the total amount paid by the customer.
// Payments add, refunds subtract, and the result never drops below zero.
func ComputeLifetimeValue(entries []LedgerEntry) Money {
	var total Money
	for _, e := range entries {
		amount := e.Amount
		if e.Kind == LedgerRefund && amount.Amount > 0 {
			amount.Amount = -amount.Amount
		}
		total = total.Add(amount)
	}
	if total.Amount < 0 {
		total.Amount = 0
	}
	return total
}
