package email

import (
	"context"
	"log/slog"
	"time"

	"github.com/a-h/templ"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/email/templates"
	"github.com/dmitrymomot/billingsync/pkg/logger"
)

const (
	TagAccessGranted = "billing-access-granted"
	TagAccessRevoked = "billing-access-revoked"
	TagPaymentFailed = "billing-payment-failed"
)

// Notifier emails users about billing changes. Users without an email address
// on their customer record are skipped.
type Notifier struct {
	sender     EmailSender
	appName    string
	billingURL string
	logger     *slog.Logger
}

var _ billing.Notifier = (*Notifier)(nil)

// NewNotifier panics if sender is nil.
func NewNotifier(sender EmailSender, cfg Config, log *slog.Logger) *Notifier {
	if sender == nil {
		panic("email: sender is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{sender: sender, appName: cfg.AppName, billingURL: cfg.BillingURL, logger: log}
}

func (n *Notifier) AccessChanged(ctx context.Context, change billing.AccessChange) error {
	notice := n.notice(string(change.Status), nil)
	if change.Granted {
		return n.send(ctx, change.Email, "Your subscription is active", TagAccessGranted, templates.AccessGranted(notice))
	}
	return n.send(ctx, change.Email, "Your subscription has ended", TagAccessRevoked, templates.AccessRevoked(notice))
}

func (n *Notifier) PaymentFailed(ctx context.Context, failure billing.PaymentFailure) error {
	notice := n.notice(string(billing.StatusPastDue), failure.GraceUntil)
	return n.send(ctx, failure.Email, "Payment failed", TagPaymentFailed, templates.PaymentFailed(notice))
}

func (n *Notifier) notice(status string, graceUntil *time.Time) templates.Notice {
	return templates.Notice{AppName: n.appName, ActionURL: n.billingURL, Status: status, GraceUntil: graceUntil}
}

func (n *Notifier) send(ctx context.Context, to, subject, tag string, body templ.Component) error {
	if to == "" {
		n.logger.DebugContext(ctx, "billing notice skipped, no email address", slog.String("tag", tag))
		return nil
	}
	html, err := templates.Render(ctx, body)
	if err != nil {
		return err
	}
	if err := n.sender.SendEmail(ctx, SendEmailParams{
		SendTo:   to,
		Subject:  n.appName + ": " + subject,
		BodyHTML: html,
		Tag:      tag,
	}); err != nil {
		n.logger.ErrorContext(ctx, "failed to send billing notice", slog.String("tag", tag), logger.Error(err))
		return err
	}
	return nil
}
