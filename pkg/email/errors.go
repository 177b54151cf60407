package email

import "errors"

var (
	ErrFailedToSendEmail = errors.New("email: failed to send email")
	ErrInvalidConfig     = errors.New("email: invalid config")
	ErrInvalidParams     = errors.New("email: invalid params")
	ErrDisabled          = errors.New("email: no sender configured")
)
