// Package ratelimiter is an in-memory token bucket limiter keyed by caller, used to
// protect endpoints that fan out to the payment provider.
package ratelimiter

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

var ErrInvalidConfig = errors.New("ratelimiter: invalid config")

// Config is read from RATE_LIMIT_* variables.
type Config struct {
	// Capacity is the burst size.
	Capacity int `env:"RATE_LIMIT_CAPACITY" envDefault:"10"`
	// RefillRate tokens are added every RefillInterval.
	RefillRate     int           `env:"RATE_LIMIT_REFILL_RATE" envDefault:"1"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"6s"`
}

func (c Config) validate() error {
	if c.Capacity <= 0 || c.RefillRate <= 0 || c.RefillInterval <= 0 {
		return fmt.Errorf("%w: capacity, refill rate and interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Result of one Allow call.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Limiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow takes one token for key. A denied call takes nothing.
func (l *Limiter) Allow(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.cfg.Capacity, lastRefill: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	// Cap the interval count so a long idle period cannot overflow.
	maxIntervals := int64(l.cfg.Capacity/l.cfg.RefillRate + 1)
	if n := min(int64(now.Sub(b.lastRefill)/l.cfg.RefillInterval), maxIntervals); n > 0 {
		b.tokens = min(b.tokens+int(n)*l.cfg.RefillRate, l.cfg.Capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(n) * l.cfg.RefillInterval)
		if b.tokens == l.cfg.Capacity {
			b.lastRefill = now
		}
	}

	if b.tokens <= 0 {
		return Result{RetryAfter: b.lastRefill.Add(l.cfg.RefillInterval).Sub(now)}
	}
	b.tokens--
	return Result{Allowed: true, Remaining: b.tokens}
}

// Prune drops buckets idle for longer than idle and returns how many were removed.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// KeyFunc returns the limiter key of a request; "" skips limiting.
type KeyFunc func(r *http.Request) string

// Middleware answers 429 with Retry-After once a key runs out of tokens.
func (l *Limiter) Middleware(key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			res := l.Allow(k)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Capacity))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
