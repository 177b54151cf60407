package billing

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
)

// HasAccess is the entitlement rule: trialing and active subscriptions grant access,
// past_due grants access until CurrentPeriodEnd + grace, everything else denies.
func HasAccess(sub *UserSubscription, now time.Time, grace time.Duration) bool {
	if sub == nil {
		return false
	}
	switch sub.Status {
	case StatusTrialing, StatusActive:
		return true
	case StatusPastDue:
		return sub.CurrentPeriodEnd != nil && !now.After(sub.CurrentPeriodEnd.Add(grace))
	default:
		return false
	}
}

// GateStore is the read side the Gate needs.
type GateStore interface {
	CurrentSubscription(ctx context.Context, userID uuid.UUID) (*UserSubscription, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGracePeriod sets how long past_due subscriptions keep access after the period ends.
func WithGracePeriod(d time.Duration) GateOption {
	return func(g *Gate) {
		if d >= 0 {
			g.grace = d
		}
	}
}

// WithRequirements maps protected resources to the capabilities they need.
func WithRequirements(req map[string][]Capability) GateOption {
	return func(g *Gate) {
		for k, v := range req {
			g.requirements[k] = slices.Clone(v)
		}
	}
}

// WithGateLogger sets the logger used when access lookups fail.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGateClock overrides the clock used to evaluate periods and grace.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// Gate answers access questions from local state only. It never calls the provider
// and fails closed on store errors.
type Gate struct {
	store        GateStore
	grace        time.Duration
	requirements map[string][]Capability
	now          func() time.Time
	logger       *slog.Logger
}

// NewGate creates an entitlement gate. Panics if store is nil.
func NewGate(store GateStore, opts ...GateOption) *Gate {
	if store == nil {
		panic("billing: gate store is required")
	}
	g := &Gate{
		store:        store,
		grace:        72 * time.Hour,
		requirements: make(map[string][]Capability),
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GracePeriod returns the configured past_due grace.
func (g *Gate) GracePeriod() time.Duration { return g.grace }

// HasActiveAccess reports whether the user currently holds a paid entitlement.
func (g *Gate) HasActiveAccess(ctx context.Context, userID uuid.UUID) bool {
	sub, ok := g.current(ctx, userID)
	if !ok {
		return false
	}
	return HasAccess(sub, g.now(), g.grace)
}

// HasCapability reports whether the user has access and their plan grants c.
func (g *Gate) HasCapability(ctx context.Context, userID uuid.UUID, c Capability) bool {
	sub, ok := g.current(ctx, userID)
	if !ok || !HasAccess(sub, g.now(), g.grace) || sub.PlanID == nil {
		return false
	}
	plan, err := g.store.GetPlan(ctx, *sub.PlanID)
	if err != nil {
		g.logger.WarnContext(ctx, "entitlement plan lookup failed",
			slog.String("user_id", userID.String()), slog.Any("error", err))
		return false
	}
	return plan.Grants(c)
}

// RequiredCapabilities returns the static capability list for a resource.
func (g *Gate) RequiredCapabilities(resource string) []Capability {
	return slices.Clone(g.requirements[resource])
}

// Allowed reports whether the user may use resource: active access plus every required capability.
func (g *Gate) Allowed(ctx context.Context, userID uuid.UUID, resource string) bool {
	if !g.HasActiveAccess(ctx, userID) {
		return false
	}
	for _, c := range g.requirements[resource] {
		if !g.HasCapability(ctx, userID, c) {
			return false
		}
	}
	return true
}

// RequireAccess returns middleware guarding resource. userID extracts the
// authenticated user from the request; deny handles rejected requests.
func (g *Gate) RequireAccess(resource string, userID func(*http.Request) (uuid.UUID, bool), deny http.Handler) func(http.Handler) http.Handler {
	if deny == nil {
		deny = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := userID(r)
			if !ok || !g.Allowed(r.Context(), id, resource) {
				deny.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gate) current(ctx context.Context, userID uuid.UUID) (*UserSubscription, bool) {
	sub, err := g.store.CurrentSubscription(ctx, userID)
	if err != nil {
		return nil, false
	}
	return sub, true
}
