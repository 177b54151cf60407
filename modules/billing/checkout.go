package billing

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/handler"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/logger"
)

type selectPriceRequest struct {
	PriceID uuid.UUID `path:"priceID"`
}

// selectPrice remembers the chosen price so the choice survives a login redirect.
func (m *Module) selectPrice(r *http.Request, req selectPriceRequest) handler.Response {
	if req.PriceID == uuid.Nil {
		return handler.Redirect(billing.WithMessage(m.cfg.PricingURL, billing.ErrMissingPriceID))
	}
	return handler.Redirect(m.url("/checkout/start"), &http.Cookie{
		Name:     m.cfg.PriceCookie,
		Value:    req.PriceID.String(),
		Path:     m.cfg.BasePath,
		MaxAge:   int(m.cfg.CookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   m.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Module) startCheckout(r *http.Request, _ struct{}) handler.Response {
	user, ok := m.deps.User(r)
	if !ok {
		return handler.Redirect(m.cfg.LoginURL)
	}

	c, err := r.Cookie(m.cfg.PriceCookie)
	if err != nil {
		return handler.Redirect(billing.WithMessage(m.cfg.PricingURL, billing.ErrMissingPriceID))
	}
	priceID, err := uuid.Parse(c.Value)
	if err != nil {
		return handler.Redirect(billing.WithMessage(m.cfg.PricingURL, billing.ErrInvalidPrice), m.clearPrice())
	}

	checkoutURL, err := m.deps.Checkout.BeginCheckout(r.Context(), user, priceID)
	if err != nil {
		slog.Default().WarnContext(r.Context(), "checkout start failed",
			logger.UserID(user.ID.String()), logger.PriceID(priceID.String()), logger.Error(err))
		return handler.Redirect(billing.WithMessage(m.cfg.PricingURL, err))
	}
	return handler.Redirect(checkoutURL, m.clearPrice())
}

type successRequest struct {
	SessionID string `query:"session_id"`
}

// checkoutSuccess never trusts the redirect itself; it reports what local state says.
// Only the user who started the session can see its state.
func (m *Module) checkoutSuccess(r *http.Request, req successRequest) handler.Response {
	user, ok := m.deps.User(r)
	if !ok {
		return handler.Redirect(m.cfg.LoginURL)
	}
	outcome, err := m.deps.Checkout.ConfirmReturn(r.Context(), user.ID, req.SessionID)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return handler.Templ(http.StatusNotFound, unknownCheckoutPage(m.cfg.PricingURL))
	case err != nil:
		slog.Default().ErrorContext(r.Context(), "checkout confirmation failed",
			logger.SessionID(req.SessionID), logger.Error(err))
		return handler.Templ(http.StatusOK, pendingPage(r.URL.String()))
	case outcome == billing.ReturnConfirmed:
		return handler.Templ(http.StatusOK, confirmedPage())
	default:
		return handler.Templ(http.StatusOK, pendingPage(r.URL.String()))
	}
}

func (m *Module) clearPrice() *http.Cookie {
	return &http.Cookie{Name: m.cfg.PriceCookie, Path: m.cfg.BasePath, MaxAge: -1, HttpOnly: true}
}
