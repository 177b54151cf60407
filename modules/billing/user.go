package billing

import (
	"net/http"
	"net/mail"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// Default headers set by the authenticating proxy in front of the service.
const (
	UserIDHeader    = "X-User-ID"
	UserEmailHeader = "X-User-Email"
	UserNameHeader  = "X-User-Name"
)

// HeaderUserResolver trusts identity headers set by an upstream authenticating proxy.
// The service must not be reachable without that proxy.
func HeaderUserResolver() UserResolver {
	return func(r *http.Request) (billing.UserRef, bool) {
		id, err := uuid.Parse(r.Header.Get(UserIDHeader))
		if err != nil || id == uuid.Nil {
			return billing.UserRef{}, false
		}
		ref := billing.UserRef{ID: id, Name: r.Header.Get(UserNameHeader)}
		if addr, err := mail.ParseAddress(r.Header.Get(UserEmailHeader)); err == nil {
			ref.Email = addr.Address
		}
		return ref, true
	}
}

// ID adapts the resolver to billing.Gate.RequireAccess.
func (f UserResolver) ID(r *http.Request) (uuid.UUID, bool) {
	ref, ok := f(r)
	return ref.ID, ok
}
