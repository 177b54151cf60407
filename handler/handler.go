// Package handler turns typed request handlers into http.HandlerFunc values.
// A handler receives the bound request value and returns a Response; binding and
// rendering errors go to an ErrorHandler.
package handler

import (
	"errors"
	"net/http"
)

// Response renders itself to w.
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// HandlerFunc handles a request whose inputs were bound into R.
type HandlerFunc[R any] func(r *http.Request, req R) Response

// Bind fills v from the request. Binders return ErrNotApplicable to be skipped.
type Bind func(r *http.Request, v any) error

// ErrorHandler writes a response for err.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// WrapOption configures Wrap.
type WrapOption func(*wrapConfig)

type wrapConfig struct {
	binders      []Bind
	errorHandler ErrorHandler
}

// WithBinders appends binders, applied in order.
func WithBinders(binders ...Bind) WrapOption {
	return func(c *wrapConfig) { c.binders = append(c.binders, binders...) }
}

// WithErrorHandler replaces DefaultErrorHandler.
func WithErrorHandler(h ErrorHandler) WrapOption {
	return func(c *wrapConfig) {
		if h != nil {
			c.errorHandler = h
		}
	}
}

// Wrap adapts h to net/http.
func Wrap[R any](h HandlerFunc[R], opts ...WrapOption) http.HandlerFunc {
	cfg := &wrapConfig{errorHandler: DefaultErrorHandler}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req R
		for _, bind := range cfg.binders {
			if err := bind(r, &req); err != nil {
				if errors.Is(err, ErrNotApplicable) {
					continue
				}
				cfg.errorHandler(w, r, errors.Join(ErrBadRequest, err))
				return
			}
		}

		resp := h(r, req)
		if resp == nil {
			cfg.errorHandler(w, r, ErrNilResponse)
			return
		}
		if err := resp.Render(w, r); err != nil {
			cfg.errorHandler(w, r, err)
		}
	}
}
