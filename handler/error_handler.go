package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// DefaultErrorHandler answers with JSON when the client accepts it and plain text
// otherwise. Server errors are logged; their details never reach the client.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Default().ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Error(err))
	}

	var he HTTPError
	key := ErrInternal.Key
	if asHTTPError(err, &he) {
		key = he.Key
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		_ = JSONError(err, http.StatusText(status)).Render(w, r)
		return
	}
	http.Error(w, key, status)
}

func asHTTPError(err error, target *HTTPError) bool {
	return errors.As(err, target)
}
