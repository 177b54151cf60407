package memstore

import (
	"context"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// SaveIntent stores intent by session id. A completed intent stays completed.
func (s *Store) SaveIntent(_ context.Context, intent *billing.CheckoutIntent) error {
	if intent == nil || intent.SessionID == "" {
		return billing.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *intent
	if prev, ok := s.intents[intent.SessionID]; ok && prev.Completed() {
		saved.CompletedAt = prev.CompletedAt
		saved.SubscriptionExternalID = prev.SubscriptionExternalID
	}
	s.intents[intent.SessionID] = saved
	if intent.IdempotencyKey != "" {
		s.intentKeys[intent.IdempotencyKey] = intent.SessionID
	}
	return nil
}

func (s *Store) IntentBySession(_ context.Context, sessionID string) (*billing.CheckoutIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.intents[sessionID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return &i, nil
}

func (s *Store) IntentByKey(_ context.Context, key string) (*billing.CheckoutIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID, ok := s.intentKeys[key]
	if !ok {
		return nil, billing.ErrNotFound
	}
	i, ok := s.intents[sessionID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return &i, nil
}

func (s *Store) CompleteIntent(_ context.Context, sessionID, subscriptionExternalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[sessionID]
	if !ok {
		return billing.ErrNotFound
	}
	if i.CompletedAt != nil {
		return nil
	}
	i.CompletedAt = &at
	if i.SubscriptionExternalID == "" {
		i.SubscriptionExternalID = subscriptionExternalID
	}
	s.intents[sessionID] = i
	return nil
}
