package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// Event types sent to subscribers.
const (
	EventAccessGranted = "access.granted"
	EventAccessRevoked = "access.revoked"
	EventPaymentFailed = "payment.failed"
)

// Config lists subscriber endpoints. No URLs disables outbound notifications.
type Config struct {
	URLs            []string      `env:"NOTIFY_WEBHOOK_URLS" envSeparator:","`
	Secret          string        `env:"NOTIFY_WEBHOOK_SECRET"`
	MaxRetries      int           `env:"NOTIFY_WEBHOOK_MAX_RETRIES" envDefault:"3"`
	BreakerFailures uint32        `env:"NOTIFY_WEBHOOK_BREAKER_FAILURES" envDefault:"5"`
	BreakerTimeout  time.Duration `env:"NOTIFY_WEBHOOK_BREAKER_TIMEOUT" envDefault:"1m"`
}

// Envelope wraps every notification body.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

// Notifier fans billing notifications out to every configured URL.
type Notifier struct {
	sender *Sender
	urls   []string
}

var _ billing.Notifier = (*Notifier)(nil)

// NewNotifier panics if sender is nil.
func NewNotifier(sender *Sender, urls []string) *Notifier {
	if sender == nil {
		panic("webhook: sender is required")
	}
	return &Notifier{sender: sender, urls: urls}
}

func (n *Notifier) AccessChanged(ctx context.Context, change billing.AccessChange) error {
	typ := EventAccessRevoked
	if change.Granted {
		typ = EventAccessGranted
	}
	return n.broadcast(ctx, typ, change.OccurredAt, change)
}

func (n *Notifier) PaymentFailed(ctx context.Context, failure billing.PaymentFailure) error {
	return n.broadcast(ctx, EventPaymentFailed, failure.OccurredAt, failure)
}

func (n *Notifier) broadcast(ctx context.Context, typ string, at time.Time, data any) error {
	env := Envelope{ID: uuid.NewString(), Type: typ, CreatedAt: at.UTC(), Data: data}
	var errs []error
	for _, u := range n.urls {
		if err := n.sender.Send(ctx, u, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
