package webhook

import "errors"

var (
	ErrDeliveryFailed     = errors.New("webhook delivery failed")
	ErrInvalidConfig      = errors.New("invalid webhook configuration")
	ErrPermanentFailure   = errors.New("permanent webhook failure")
	ErrTemporaryFailure   = errors.New("temporary webhook failure")
	ErrCircuitOpen        = errors.New("webhook circuit breaker is open")
	ErrInvalidURL         = errors.New("invalid webhook URL")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrSignatureExpired   = errors.New("webhook signature timestamp outside tolerance")
	ErrMalformedSignature = errors.New("malformed webhook signature header")
)
