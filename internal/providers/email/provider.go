package email

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by providers that have no transport set up.
// Callers treat it as "skip", not as a delivery failure.
var ErrNotConfigured = errors.New("email_provider_not_configured")

var ErrNoRecipients = errors.New("email_no_recipients")

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
}

// NoOpProvider stands in when no email transport is configured.
type NoOpProvider struct{}

func (NoOpProvider) Send(context.Context, []string, string, string) error {
	return ErrNotConfigured
}
