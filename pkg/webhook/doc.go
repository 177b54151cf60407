// Package webhook delivers signed JSON notifications to subscriber endpoints.
//
// Every request carries an X-Billing-Signature header of the form
//
//	t=<unix seconds>,v1=<hex HMAC-SHA256(secret, "<t>.<body>")>
//
// which receivers check with Verify. Delivery retries temporary failures with
// backoff, gives up at once on permanent 4xx responses, and trips a circuit breaker
// per destination so a dead endpoint does not slow down the others.
//
// Notifier adapts the sender to billing.Notifier:
//
//	sender := webhook.NewSender(webhook.WithSecret(cfg.Secret))
//	engine := billing.NewEngine(provider, store, intents,
//		billing.WithNotifier(webhook.NewNotifier(sender, cfg.URLs)))
package webhook
