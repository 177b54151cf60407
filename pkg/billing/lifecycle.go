package billing

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

// trigger is a lifecycle input that is not a full provider snapshot.
type trigger string

const (
	triggerPaymentSucceeded trigger = "payment_succeeded"
	triggerPaymentFailed    trigger = "payment_failed"
	triggerDeleted          trigger = "deleted"
)

// newLifecycle builds the subscription state machine starting at from.
//
//	incomplete -> active | incomplete_expired
//	trialing | active -> past_due -> active | canceled
//	unpaid -> active | canceled
//	canceled, incomplete_expired are terminal
func newLifecycle(from Status) *stateless.StateMachine {
	m := stateless.NewStateMachine(from)

	m.Configure(StatusIncomplete).
		Permit(triggerPaymentSucceeded, StatusActive).
		PermitReentry(triggerPaymentFailed).
		Permit(triggerDeleted, StatusIncompleteExpired)

	m.Configure(StatusTrialing).
		Ignore(triggerPaymentSucceeded).
		Permit(triggerPaymentFailed, StatusPastDue).
		Permit(triggerDeleted, StatusCanceled)

	m.Configure(StatusActive).
		PermitReentry(triggerPaymentSucceeded).
		Permit(triggerPaymentFailed, StatusPastDue).
		Permit(triggerDeleted, StatusCanceled)

	m.Configure(StatusPastDue).
		Permit(triggerPaymentSucceeded, StatusActive).
		PermitReentry(triggerPaymentFailed).
		Permit(triggerDeleted, StatusCanceled)

	m.Configure(StatusUnpaid).
		Permit(triggerPaymentSucceeded, StatusActive).
		PermitReentry(triggerPaymentFailed).
		Permit(triggerDeleted, StatusCanceled)

	m.Configure(StatusCanceled).
		Ignore(triggerPaymentSucceeded).
		Ignore(triggerPaymentFailed).
		PermitReentry(triggerDeleted)

	m.Configure(StatusIncompleteExpired).
		Ignore(triggerPaymentSucceeded).
		Ignore(triggerPaymentFailed).
		PermitReentry(triggerDeleted)

	return m
}

// transition applies t to from and returns the resulting status.
func transition(from Status, t trigger) (Status, error) {
	m := newLifecycle(from)
	if err := m.Fire(t); err != nil {
		return from, fmt.Errorf("subscription lifecycle %s on %s: %w", t, from, err)
	}
	next, ok := m.MustState().(Status)
	if !ok {
		return from, fmt.Errorf("subscription lifecycle: unexpected state %v", m.MustState())
	}
	return next, nil
}

// expectedSnapshotMoves lists status changes a provider snapshot normally makes.
// Snapshots are authoritative; anything else is logged, not rejected.
var expectedSnapshotMoves = map[Status][]Status{
	StatusIncomplete: {StatusTrialing, StatusActive, StatusIncompleteExpired, StatusCanceled},
	StatusTrialing:   {StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid},
	StatusActive:     {StatusPastDue, StatusCanceled, StatusUnpaid, StatusTrialing},
	StatusPastDue:    {StatusActive, StatusCanceled, StatusUnpaid},
	StatusUnpaid:     {StatusActive, StatusCanceled, StatusPastDue},
}

func expectedSnapshotMove(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range expectedSnapshotMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}
