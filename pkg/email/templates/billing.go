package templates

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/a-h/templ"
)

// Notice is the data shared by billing notice emails.
type Notice struct {
	AppName    string
	ActionURL  string
	Status     string
	GraceUntil *time.Time
}

// AccessGranted confirms an active subscription.
func AccessGranted(n Notice) templ.Component {
	return layout(n, func(w io.Writer) error {
		return paragraphs(w,
			"Thanks for subscribing. Your subscription is now "+n.Status+" and all paid features are unlocked.")
	})
}

// AccessRevoked tells the user their paid access has ended.
func AccessRevoked(n Notice) templ.Component {
	return layout(n, func(w io.Writer) error {
		return paragraphs(w,
			"Your subscription has ended and paid features are no longer available.",
			"You can subscribe again at any time from the billing page.")
	})
}

// PaymentFailed asks the user to update their payment method.
func PaymentFailed(n Notice) templ.Component {
	return layout(n, func(w io.Writer) error {
		lines := []string{"We could not process your latest subscription payment."}
		if n.GraceUntil != nil {
			lines = append(lines, fmt.Sprintf("You keep access until %s. Please update your payment method before then.",
				n.GraceUntil.UTC().Format("January 2, 2006")))
		} else {
			lines = append(lines, "Please update your payment method to keep your subscription.")
		}
		return paragraphs(w, lines...)
	})
}

func layout(n Notice, body func(io.Writer) error) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!doctype html><html><body style="font-family:sans-serif">`+
			`<h2>`+templ.EscapeString(n.AppName)+`</h2>`); err != nil {
			return err
		}
		if err := body(w); err != nil {
			return err
		}
		if n.ActionURL != "" {
			link := templ.EscapeString(n.ActionURL)
			if _, err := io.WriteString(w, `<p><a href="`+link+`">Manage billing</a></p>`); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</body></html>`)
		return err
	})
}

func paragraphs(w io.Writer, lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(w, "<p>"+templ.EscapeString(l)+"</p>"); err != nil {
			return err
		}
	}
	return nil
}
