package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/dmitrymomot/billingsync/pkg/backoff"
)

// Option configures a Sender.
type Option func(*Sender)

// WithSecret enables request signing.
func WithSecret(secret string) Option {
	return func(s *Sender) { s.secret = secret }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithRetries sets the retry budget and delay strategy.
func WithRetries(maxRetries int, strategy backoff.Strategy) Option {
	return func(s *Sender) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
		if strategy != nil {
			s.backoff = strategy
		}
	}
}

// WithBreaker trips a destination's breaker after failures consecutive failed deliveries
// and keeps it open for timeout.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(s *Sender) {
		if failures > 0 {
			s.breakerFailures = failures
		}
		if timeout > 0 {
			s.breakerTimeout = timeout
		}
	}
}

// WithLogger sets the logger for breaker state changes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the signing time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

// Sender posts JSON payloads with signing, retries and a breaker per destination host.
// It is safe for concurrent use.
type Sender struct {
	client          *http.Client
	secret          string
	maxRetries      int
	backoff         backoff.Strategy
	breakerFailures uint32
	breakerTimeout  time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

// NewSender creates a Sender with a pooled client and 3 retries.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries:      3,
		backoff:         backoff.Exponential{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.1},
		breakerFailures: 5,
		breakerTimeout:  time.Minute,
		logger:          slog.Default(),
		now:             time.Now,
		breakers:        make(map[string]*gobreaker.CircuitBreaker[int]),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send marshals data and delivers it to target.
func (s *Sender) Send(ctx context.Context, target string, data any) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, target)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}

	breaker := s.breaker(u.Host)
	err = backoff.Retry(ctx, s.backoff, s.maxRetries, retryable, func(ctx context.Context) error {
		_, err := breaker.Execute(func() (int, error) {
			return s.deliver(ctx, target, payload)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return errors.Join(ErrCircuitOpen, err)
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermanentFailure), errors.Is(err, ErrCircuitOpen):
		return err
	default:
		return errors.Join(ErrDeliveryFailed, err)
	}
}

func (s *Sender) deliver(ctx context.Context, target string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, errors.Join(ErrPermanentFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "billingsync-webhook/1.0")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.secret, payload, s.now()))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, errors.Join(ErrTemporaryFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Errorf("status %d: %s", resp.StatusCode, strings.ReplaceAll(strings.TrimSpace(string(body)), "\n", " "))
	if permanent(resp.StatusCode) {
		return resp.StatusCode, errors.Join(ErrPermanentFailure, msg)
	}
	return resp.StatusCode, errors.Join(ErrTemporaryFailure, msg)
}

func (s *Sender) breaker(host string) *gobreaker.CircuitBreaker[int] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     s.breakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.breakerFailures
		},
		IsSuccessful: func(err error) bool {
			// A receiver rejecting our payload is alive.
			return err == nil || errors.Is(err, ErrPermanentFailure)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("webhook circuit breaker state changed",
				slog.String("host", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	s.breakers[host] = b
	return b
}

func retryable(err error) bool {
	return !errors.Is(err, ErrPermanentFailure) && !errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled)
}

// permanent reports 4xx responses other than timeouts and rate limits.
func permanent(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}
