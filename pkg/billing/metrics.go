package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records billing activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	webhookEvents    *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	checkoutSessions *prometheus.CounterVec
	syncedSubs       *prometheus.CounterVec
}

// NewMetrics creates the billing collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billingsync",
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Webhook events by category and outcome",
			},
			[]string{"provider", "category", "outcome"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billingsync",
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Payment provider calls by operation and result",
			},
			[]string{"provider", "op", "result"},
		),
		checkoutSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billingsync",
				Subsystem: "checkout",
				Name:      "sessions_total",
				Help:      "Checkout sessions by result",
			},
			[]string{"result"},
		),
		syncedSubs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billingsync",
				Subsystem: "sync",
				Name:      "subscriptions_total",
				Help:      "Subscriptions visited by the reconciliation sweep by result",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.webhookEvents, m.providerCalls, m.checkoutSessions, m.syncedSubs)
	}
	return m
}

func (m *Metrics) webhookEvent(provider string, category EventCategory, outcome Outcome) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, string(category), string(outcome)).Inc()
}

func (m *Metrics) providerCall(provider, op string, err error) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, op, resultLabel(err)).Inc()
}

func (m *Metrics) checkoutSession(result string) {
	if m == nil {
		return
	}
	m.checkoutSessions.WithLabelValues(result).Inc()
}

func (m *Metrics) synced(result string) {
	if m == nil {
		return
	}
	m.syncedSubs.WithLabelValues(result).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "unavailable"
	default:
		return "rejected"
	}
}
