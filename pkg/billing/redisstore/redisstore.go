// Package redisstore keeps checkout intents in Redis so every instance behind a load
// balancer sees the same pending checkouts. Entries expire on their own once the
// hosted session is gone and the retention window has passed.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces the keys written by the store.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithRetention sets how long an intent outlives its session expiry.
// Completed intents stay readable for the same period.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides the time source for TTL calculation.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store implements billing.IntentStore.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ billing.IntentStore = (*Store)(nil)

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// completeRetries bounds optimistic-lock retries in SaveIntent and CompleteIntent.
const completeRetries = 5

// New creates a Store. Panics if client is nil.
func New(client redis.UniversalClient, opts ...Option) *Store {
	if client == nil {
		panic("redisstore: client is required")
	}
	s := &Store{
		client:    client,
		prefix:    "billingsync:",
		retention: 7 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) sessionKey(id string) string { return s.prefix + "checkout:session:" + id }
func (s *Store) idemKey(key string) string   { return s.prefix + "checkout:key:" + key }

func (s *Store) ttl(i *billing.CheckoutIntent) time.Duration {
	ttl := i.ExpiresAt.Sub(s.now()) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// SaveIntent stores the intent and its idempotency key. Saving over a completed
// intent keeps its completion.
func (s *Store) SaveIntent(ctx context.Context, i *billing.CheckoutIntent) error {
	if i == nil || i.SessionID == "" {
		return billing.ErrNotFound
	}
	key := s.sessionKey(i.SessionID)
	for range completeRetries {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			saved := *i
			prev, err := s.get(ctx, tx, i.SessionID)
			switch {
			case err == nil && prev.Completed():
				saved.CompletedAt = prev.CompletedAt
				saved.SubscriptionExternalID = prev.SubscriptionExternalID
			case err != nil && !errors.Is(err, billing.ErrNotFound):
				return err
			}
			data, err := json.Marshal(&saved)
			if err != nil {
				return fmt.Errorf("encode intent: %w", err)
			}
			ttl := s.ttl(&saved)
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, ttl)
				if saved.IdempotencyKey != "" {
					p.Set(ctx, s.idemKey(saved.IdempotencyKey), saved.SessionID, ttl)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return errors.Join(billing.ErrRetryable, fmt.Errorf("save intent: %w", err))
		}
		return nil
	}
	return errors.Join(billing.ErrRetryable, billing.ErrConflict)
}

func (s *Store) IntentBySession(ctx context.Context, sessionID string) (*billing.CheckoutIntent, error) {
	return s.get(ctx, s.client, sessionID)
}

func (s *Store) IntentByKey(ctx context.Context, key string) (*billing.CheckoutIntent, error) {
	sessionID, err := s.client.Get(ctx, s.idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrRetryable, err)
	}
	return s.get(ctx, s.client, sessionID)
}

// CompleteIntent updates the intent under WATCH so concurrent completions keep the first result.
func (s *Store) CompleteIntent(ctx context.Context, sessionID, subscriptionExternalID string, at time.Time) error {
	key := s.sessionKey(sessionID)
	for range completeRetries {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			i, err := s.get(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if i.Completed() {
				return nil
			}
			completed := at.UTC()
			i.CompletedAt = &completed
			if i.SubscriptionExternalID == "" {
				i.SubscriptionExternalID = subscriptionExternalID
			}
			data, err := json.Marshal(i)
			if err != nil {
				return fmt.Errorf("encode intent: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.Join(billing.ErrRetryable, billing.ErrConflict)
}

func (s *Store) get(ctx context.Context, c getter, sessionID string) (*billing.CheckoutIntent, error) {
	data, err := c.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, errors.Join(billing.ErrRetryable, err)
	}
	var i billing.CheckoutIntent
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", sessionID, err)
	}
	return &i, nil
}
