package handler

import (
	"errors"
	"net/http"
)

var (
	ErrNilResponse   = errors.New("handler returned nil response")
	ErrNotApplicable = errors.New("binder not applicable to request")
)

// HTTPError carries a status code and a stable machine-readable key.
type HTTPError struct {
	Code int
	Key  string
}

func (e HTTPError) Error() string { return e.Key }

var (
	ErrBadRequest         = HTTPError{Code: http.StatusBadRequest, Key: "bad_request"}
	ErrUnauthorized       = HTTPError{Code: http.StatusUnauthorized, Key: "unauthorized"}
	ErrPaymentRequired    = HTTPError{Code: http.StatusPaymentRequired, Key: "payment_required"}
	ErrNotFound           = HTTPError{Code: http.StatusNotFound, Key: "not_found"}
	ErrConflict           = HTTPError{Code: http.StatusConflict, Key: "conflict"}
	ErrEntityTooLarge     = HTTPError{Code: http.StatusRequestEntityTooLarge, Key: "request_entity_too_large"}
	ErrInternal           = HTTPError{Code: http.StatusInternalServerError, Key: "internal_server_error"}
	ErrServiceUnavailable = HTTPError{Code: http.StatusServiceUnavailable, Key: "service_unavailable"}
)

// StatusOf returns the status of the first HTTPError in err's chain, or 500.
func StatusOf(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
