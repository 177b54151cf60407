package billing

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

func page(title string, head string, body ...string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		out := `<!doctype html><html><head><meta charset="utf-8"><title>` + templ.EscapeString(title) + `</title>` + head +
			`</head><body><main><h1>` + templ.EscapeString(title) + `</h1>`
		for _, p := range body {
			out += p
		}
		out += `</main></body></html>`
		_, err := io.WriteString(w, out)
		return err
	})
}

func confirmedPage() templ.Component {
	return page("Subscription confirmed", "",
		`<p>Thank you! Your subscription is active.</p>`)
}

// pendingPage reloads itself until the webhook or the fallback confirms the checkout.
func pendingPage(self string) templ.Component {
	return page("Confirming your payment",
		`<meta http-equiv="refresh" content="5;url=`+templ.EscapeString(self)+`">`,
		`<p>We are waiting for the payment provider to confirm your subscription. This page refreshes automatically.</p>`)
}

func unknownCheckoutPage(pricingURL string) templ.Component {
	return page("Checkout not found", "",
		`<p>We could not find this checkout.</p>`,
		`<p><a href="`+templ.EscapeString(pricingURL)+`">Back to plans</a></p>`)
}
