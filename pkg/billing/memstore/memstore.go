// Package memstore is an in-process implementation of billing.Store and
// billing.IntentStore. It is used by tests and single-instance deployments.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// Store keeps all billing state in memory.
// Writers for one user are serialized by a per-user mutex; committed state is
// guarded by mu, so readers never observe a half-applied WithinUser callback.
type Store struct {
	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	mu         sync.RWMutex
	customers  map[uuid.UUID]billing.Customer
	customerOf map[string]uuid.UUID // customer external id -> user
	subs       map[uuid.UUID][]billing.UserSubscription
	subOwner   map[string]uuid.UUID // subscription external id -> user
	ledger     map[uuid.UUID][]billing.LedgerEntry
	events     map[string]billing.ProcessedEvent
	plans      map[uuid.UUID]billing.Plan
	prices     map[uuid.UUID]billing.Price
	intents    map[string]billing.CheckoutIntent
	intentKeys map[string]string // idempotency key -> session id

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		locks:      make(map[uuid.UUID]*sync.Mutex),
		customers:  make(map[uuid.UUID]billing.Customer),
		customerOf: make(map[string]uuid.UUID),
		subs:       make(map[uuid.UUID][]billing.UserSubscription),
		subOwner:   make(map[string]uuid.UUID),
		ledger:     make(map[uuid.UUID][]billing.LedgerEntry),
		events:     make(map[string]billing.ProcessedEvent),
		plans:      make(map[uuid.UUID]billing.Plan),
		prices:     make(map[uuid.UUID]billing.Price),
		intents:    make(map[string]billing.CheckoutIntent),
		intentKeys: make(map[string]string),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ billing.Store       = (*Store)(nil)
	_ billing.IntentStore = (*Store)(nil)
)

func (s *Store) userLock(userID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *Store) GetOrCreateCustomer(ctx context.Context, ref billing.UserRef) (*billing.Customer, error) {
	if ref.ID == uuid.Nil {
		return nil, billing.ErrMissingUserID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := s.userLock(ref.ID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.customers[ref.ID]; ok {
		return &c, nil
	}
	c := billing.NewCustomer(ref, s.now().UTC())
	s.customers[ref.ID] = *c
	return c, nil
}

func (s *Store) GetCustomer(_ context.Context, userID uuid.UUID) (*billing.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[userID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return &c, nil
}

func (s *Store) FindCustomerByExternalID(_ context.Context, externalID string) (*billing.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.customerOf[externalID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	c := s.customers[userID]
	return &c, nil
}

func (s *Store) SetCustomerExternalID(_ context.Context, userID uuid.UUID, externalID string) (*billing.Customer, error) {
	if externalID == "" {
		return nil, billing.ErrInvalidEvent
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[userID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	if c.ExternalID == externalID {
		return &c, nil
	}
	if c.ExternalID != "" {
		return nil, billing.ErrConflict
	}
	if owner, taken := s.customerOf[externalID]; taken && owner != userID {
		return nil, billing.ErrConflict
	}

	c.ExternalID = externalID
	c.UpdatedAt = s.now().UTC()
	s.customers[userID] = c
	s.customerOf[externalID] = userID
	return &c, nil
}

func (s *Store) CurrentSubscription(_ context.Context, userID uuid.UUID) (*billing.UserSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := billing.CurrentOf(s.subs[userID])
	if cur == nil {
		return nil, billing.ErrNotFound
	}
	out := *cur
	return &out, nil
}

func (s *Store) FindSubscriptionByExternalID(_ context.Context, externalID string) (*billing.UserSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.subOwner[externalID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	for _, sub := range s.subs[userID] {
		if sub.ExternalID == externalID {
			return &sub, nil
		}
	}
	return nil, billing.ErrNotFound
}

// ListSubscriptionsForSync returns matching rows, least recently versioned first.
func (s *Store) ListSubscriptionsForSync(_ context.Context, filter billing.SyncFilter) ([]billing.UserSubscription, error) {
	s.mu.RLock()
	var out []billing.UserSubscription
	for _, subs := range s.subs {
		for _, sub := range subs {
			if filter.Matches(sub) {
				out = append(out, sub)
			}
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b billing.UserSubscription) int {
		if c := a.Version.Compare(b.Version); c != 0 {
			return c
		}
		return cmp.Compare(a.ExternalID, b.ExternalID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Snapshot returns a copy of every subscription and ledger entry of a user.
// Tests use it to compare final states.
func (s *Store) Snapshot(userID uuid.UUID) ([]billing.UserSubscription, []billing.LedgerEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.subs[userID]), slices.Clone(s.ledger[userID])
}
