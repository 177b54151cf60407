// Package email sends billing notices through Postmark, or writes them to disk in
// development. Bodies are templ components.
package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
)

// EmailSender delivers a single message.
type EmailSender interface {
	SendEmail(ctx context.Context, params SendEmailParams) error
}

// SendEmailParams represents the parameters for sending an email.
type SendEmailParams struct {
	SendTo   string `json:"send_to"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	Tag      string `json:"tag,omitempty"`
}

// Validate checks the recipient address and that subject and body are present.
func (p SendEmailParams) Validate() error {
	if strings.TrimSpace(p.SendTo) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidParams)
	}
	if !validAddress(p.SendTo) {
		return fmt.Errorf("%w: invalid recipient %q", ErrInvalidParams, p.SendTo)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidParams)
	}
	if strings.TrimSpace(p.BodyHTML) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidParams)
	}
	return nil
}

// NewSender picks Postmark when tokens are configured, the disk sender when DevDir
// is set, and returns ErrDisabled otherwise.
func NewSender(cfg Config) (EmailSender, error) {
	switch {
	case cfg.PostmarkServerToken != "" || cfg.PostmarkAccountToken != "":
		return NewPostmarkClient(cfg)
	case cfg.DevDir != "":
		return NewDevSender(cfg.DevDir), nil
	default:
		return nil, ErrDisabled
	}
}

// validAddress accepts a bare address only, not "Name <addr>".
func validAddress(s string) bool {
	a, err := mail.ParseAddress(s)
	return err == nil && a.Address == s
}
