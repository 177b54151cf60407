package billing

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Status is the lifecycle state of a subscription as reported by the provider.
// Customers mirror the status of their current subscription, or StatusNone.
type Status string

const (
	StatusNone              Status = "none"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
	StatusCanceled          Status = "canceled"
)

// Billable reports whether the status counts toward the one-billable-per-user limit.
func (s Status) Billable() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	}
	return false
}

// Terminal statuses are never left again for the same provider subscription,
// except through an authoritative provider snapshot.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusIncomplete, StatusIncompleteExpired, StatusTrialing,
		StatusActive, StatusPastDue, StatusUnpaid, StatusCanceled:
		return true
	}
	return false
}

// ParseStatus normalizes provider status strings.
// Unknown values map to StatusIncomplete so they never grant access.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trialing", "trial":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "unpaid", "paused":
		return StatusUnpaid
	case "canceled", "cancelled":
		return StatusCanceled
	case "incomplete_expired":
		return StatusIncompleteExpired
	case "none", "":
		return StatusNone
	default:
		return StatusIncomplete
	}
}

// Money is an amount in the currency's minor units.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Add sums two amounts. An empty currency adopts the other side's currency.
func (m Money) Add(o Money) Money {
	cur := m.Currency
	if cur == "" {
		cur = o.Currency
	}
	return Money{Amount: m.Amount + o.Amount, Currency: cur}
}

func (m Money) IsZero() bool { return m.Amount == 0 }

// String renders the amount with its currency symbol, e.g. "$ 12.50".
// Unknown currency codes fall back to "12.50 XYZ".
func (m Money) String() string {
	unit, err := currency.ParseISO(m.Currency)
	if err != nil {
		return fmt.Sprintf("%.2f %s", float64(m.Amount)/100, strings.ToUpper(m.Currency))
	}

	scale, _ := currency.Standard.Rounding(unit)
	major := float64(m.Amount)
	for range scale {
		major /= 10
	}

	p := message.NewPrinter(language.English)
	return p.Sprint(currency.Symbol(unit.Amount(major)))
}

// Capability is a named entitlement granted by a plan.
type Capability string

// Interval is the billing frequency of a price.
type Interval string

const (
	IntervalMonth  Interval = "month"
	IntervalYear   Interval = "year"
	IntervalCustom Interval = "custom"
)

// ParseInterval maps provider interval names onto Interval.
func ParseInterval(s string) Interval {
	switch strings.ToLower(s) {
	case "month", "monthly":
		return IntervalMonth
	case "year", "yearly", "annual":
		return IntervalYear
	default:
		return IntervalCustom
	}
}
