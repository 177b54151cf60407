package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// webhook answers 400 for payloads that must never be retried, 500 when the provider
// should redeliver, and 200 for everything else including duplicates and stale events.
func (m *Module) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "unreadable payload", http.StatusBadRequest)
		return
	}

	outcome, err := m.deps.Webhooks.HandleEvent(r.Context(), payload, r.Header.Get(m.deps.SignatureHeader))
	switch {
	case errors.Is(err, billing.ErrSignature), errors.Is(err, billing.ErrInvalidEvent):
		http.Error(w, "invalid webhook", http.StatusBadRequest)
	case err != nil:
		http.Error(w, "processing failed", http.StatusInternalServerError)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(outcome))
	}
}
