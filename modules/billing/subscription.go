package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/handler"
	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// StatusResponse is returned by the subscription endpoints.
type StatusResponse struct {
	Status            billing.Status `json:"status"`
	HasAccess         bool           `json:"has_access"`
	PlanID            *uuid.UUID     `json:"plan_id,omitempty"`
	CurrentPeriodEnd  *time.Time     `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool           `json:"cancel_at_period_end"`
	LifetimeValue     string         `json:"lifetime_value,omitempty"`
	LastSyncAt        *time.Time     `json:"last_sync_at,omitempty"`
}

type cancelRequest struct {
	Mode string `form:"mode" query:"mode"`
}

const (
	cancelImmediate = "immediate"
	cancelPeriodEnd = "period_end"
)

func (m *Module) cancel(r *http.Request, req cancelRequest) handler.Response {
	user, ok := m.deps.User(r)
	if !ok {
		return handler.JSONError(handler.ErrUnauthorized, "")
	}
	var atPeriodEnd bool
	switch req.Mode {
	case "", cancelPeriodEnd:
		atPeriodEnd = true
	case cancelImmediate:
	default:
		return handler.JSONError(handler.ErrBadRequest, "mode must be immediate or period_end")
	}

	if _, err := m.deps.Checkout.CancelSubscription(r.Context(), user.ID, atPeriodEnd); err != nil {
		return failure(err)
	}
	return m.statusOf(r, user.ID)
}

func (m *Module) refresh(r *http.Request, _ struct{}) handler.Response {
	user, ok := m.deps.User(r)
	if !ok {
		return handler.JSONError(handler.ErrUnauthorized, "")
	}
	if _, err := m.deps.Refresher.RefreshUser(r.Context(), user.ID); err != nil {
		return failure(err)
	}
	return m.statusOf(r, user.ID)
}

func (m *Module) status(r *http.Request, _ struct{}) handler.Response {
	user, ok := m.deps.User(r)
	if !ok {
		return handler.JSONError(handler.ErrUnauthorized, "")
	}
	return m.statusOf(r, user.ID)
}

func (m *Module) statusOf(r *http.Request, userID uuid.UUID) handler.Response {
	ctx := r.Context()
	resp := StatusResponse{
		Status:    billing.StatusNone,
		HasAccess: m.deps.Access.HasActiveAccess(ctx, userID),
	}

	cust, err := m.deps.Store.GetCustomer(ctx, userID)
	switch {
	case err == nil:
		resp.Status = cust.SubscriptionStatus
		resp.LastSyncAt = cust.LastSyncAt
		if !cust.LifetimeValue.IsZero() {
			resp.LifetimeValue = cust.LifetimeValue.String()
		}
	case !errors.Is(err, billing.ErrNotFound):
		return failure(err)
	}

	sub, err := m.deps.Store.CurrentSubscription(ctx, userID)
	switch {
	case err == nil:
		resp.Status = sub.Status
		resp.PlanID = sub.PlanID
		resp.CurrentPeriodEnd = sub.CurrentPeriodEnd
		resp.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	case !errors.Is(err, billing.ErrNotFound):
		return failure(err)
	}
	return handler.JSON(http.StatusOK, resp)
}

func failure(err error) handler.Response {
	msg := billing.UserMessage(err)
	switch {
	case errors.Is(err, billing.ErrNoSubscription), errors.Is(err, billing.ErrNotFound):
		return handler.JSONError(errors.Join(handler.ErrNotFound, err), msg)
	case errors.Is(err, billing.ErrConflict):
		return handler.JSONError(errors.Join(handler.ErrConflict, err), msg)
	case billing.IsTransient(err):
		return handler.JSONError(errors.Join(handler.ErrServiceUnavailable, err), msg)
	default:
		return handler.JSONError(err, msg)
	}
}
