package memstore

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// WithinUser stages every write in a private copy of the user's state and swaps it in
// only when fn returns nil.
func (s *Store) WithinUser(ctx context.Context, userID uuid.UUID, fn func(tx billing.UserTx) error) error {
	if userID == uuid.Nil {
		return billing.ErrMissingUserID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	tx := &userTx{
		store:  s,
		userID: userID,
		subs:   slices.Clone(s.subs[userID]),
		ledger: slices.Clone(s.ledger[userID]),
	}
	if c, ok := s.customers[userID]; ok {
		tx.customer = &c
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *userTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	billable := 0
	for _, sub := range tx.subs {
		if sub.Status.Billable() {
			billable++
		}
		if owner, ok := s.subOwner[sub.ExternalID]; ok && owner != tx.userID {
			return billing.ErrConflict
		}
	}
	if billable > 1 {
		return billing.ErrConflict
	}
	for _, e := range tx.events {
		if _, dup := s.events[eventKey(e)]; dup {
			return billing.ErrConflict
		}
	}

	if tx.customerDirty && tx.customer != nil {
		c := *tx.customer
		if c.ExternalID != "" {
			if owner, ok := s.customerOf[c.ExternalID]; ok && owner != tx.userID {
				return billing.ErrConflict
			}
			s.customerOf[c.ExternalID] = tx.userID
		}
		s.customers[tx.userID] = c
	}
	for _, sub := range tx.subs {
		s.subOwner[sub.ExternalID] = tx.userID
	}
	s.subs[tx.userID] = tx.subs
	s.ledger[tx.userID] = tx.ledger
	for _, e := range tx.events {
		s.events[eventKey(e)] = e
	}
	return nil
}

type userTx struct {
	store         *Store
	userID        uuid.UUID
	customer      *billing.Customer
	customerDirty bool
	subs          []billing.UserSubscription
	ledger        []billing.LedgerEntry
	events        []billing.ProcessedEvent
}

func (t *userTx) UserID() uuid.UUID { return t.userID }

func (t *userTx) Customer(context.Context) (*billing.Customer, error) {
	if t.customer == nil {
		return nil, billing.ErrNotFound
	}
	c := *t.customer
	return &c, nil
}

func (t *userTx) SaveCustomer(_ context.Context, c *billing.Customer) error {
	if c == nil || c.UserID != t.userID {
		return billing.ErrConflict
	}
	cp := *c
	t.customer = &cp
	t.customerDirty = true
	return nil
}

func (t *userTx) Subscriptions(context.Context) ([]billing.UserSubscription, error) {
	return slices.Clone(t.subs), nil
}

func (t *userTx) UpsertSubscription(_ context.Context, sub *billing.UserSubscription) error {
	if sub == nil || sub.UserID != t.userID {
		return billing.ErrConflict
	}
	for i := range t.subs {
		if t.subs[i].ExternalID == sub.ExternalID {
			t.subs[i] = *sub
			return nil
		}
	}
	t.subs = append(t.subs, *sub)
	return nil
}

func (t *userTx) Ledger(context.Context) ([]billing.LedgerEntry, error) {
	return slices.Clone(t.ledger), nil
}

func (t *userTx) PutLedgerEntry(_ context.Context, e billing.LedgerEntry) error {
	for i := range t.ledger {
		if t.ledger[i].Kind == e.Kind && t.ledger[i].Reference == e.Reference {
			e.ID = t.ledger[i].ID
			t.ledger[i] = e
			return nil
		}
	}
	t.ledger = append(t.ledger, e)
	return nil
}

func (t *userTx) MarkEventProcessed(_ context.Context, e billing.ProcessedEvent) (bool, error) {
	key := eventKey(e)
	for _, staged := range t.events {
		if eventKey(staged) == key {
			return false, nil
		}
	}
	t.store.mu.RLock()
	_, seen := t.store.events[key]
	t.store.mu.RUnlock()
	if seen {
		return false, nil
	}
	t.events = append(t.events, e)
	return true, nil
}

func eventKey(e billing.ProcessedEvent) string {
	return e.Provider + "/" + e.EventID
}
