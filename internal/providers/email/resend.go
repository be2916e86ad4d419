package email

import (
	"context"
	"fmt"
	"net/url"

	"github.com/resend/resend-go/v2"
)

// ResendProvider sends through the Resend HTTP API.
type ResendProvider struct {
	client *resend.Client
	from   string
}

type ResendOption func(*resend.Client)

// WithResendBaseURL points the client at a different API host.
func WithResendBaseURL(raw string) ResendOption {
	return func(c *resend.Client) {
		if u, err := url.Parse(raw); err == nil {
			c.BaseURL = u
		}
	}
}

func NewResend(apiKey, from string, opts ...ResendOption) *ResendProvider {
	client := resend.NewClient(apiKey)
	for _, opt := range opts {
		opt(client)
	}
	return &ResendProvider{client: client, from: from}
}

func (p *ResendProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}
	_, err := p.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    p.from,
		To:      to,
		Subject: subject,
		Html:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("resend send: %w", err)
	}
	return nil
}
