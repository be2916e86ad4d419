package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	paymentdomain "github.com/paccoastponds/pondops/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Adapter verifies and parses Stripe webhook deliveries.
type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

func NewAdapter(webhookSecret string) (*Adapter, error) {
	webhookSecret = strings.TrimSpace(webhookSecret)
	if webhookSecret == "" {
		return nil, paymentdomain.ErrProcessorNotConfigured
	}
	return &Adapter{webhookSecret: webhookSecret, tolerance: webhook.DefaultTolerance}, nil
}

func (a *Adapter) ParseWebhook(ctx context.Context, payload []byte, signatureHeader string) (*paymentdomain.PaymentEvent, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, paymentdomain.ErrInvalidSignature
		}
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var eventType string
	switch event.Type {
	case stripego.EventTypeInvoicePaymentSucceeded, stripego.EventTypeInvoicePaid:
		eventType = paymentdomain.EventTypePaymentSucceeded
	case stripego.EventTypeInvoicePaymentFailed:
		eventType = paymentdomain.EventTypePaymentFailed
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		Provider:          paymentdomain.ProviderStripe,
		ProviderEventID:   event.ID,
		ProviderEventType: string(event.Type),
		Type:              eventType,
		InvoiceRef:        invoice.ID,
		CustomerRef:       invoice.customerRef(),
		AccountRef:        strings.TrimSpace(invoice.Metadata["service_account_id"]),
		AmountPaid:        invoice.AmountPaid,
		Currency:          strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		OccurredAt:        timestamp(invoice.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

// stripeInvoice reads the invoice object of an event. Customer arrives as
// an id string unless the webhook endpoint expands it.
type stripeInvoice struct {
	ID         string            `json:"id"`
	Customer   json.RawMessage   `json:"customer"`
	AmountPaid int64             `json:"amount_paid"`
	Currency   string            `json:"currency"`
	Status     string            `json:"status"`
	Created    int64             `json:"created"`
	Metadata   map[string]string `json:"metadata"`
}

func (i stripeInvoice) customerRef() string {
	if len(i.Customer) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(i.Customer, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(i.Customer, &expanded); err == nil {
		return strings.TrimSpace(expanded.ID)
	}
	return ""
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

func timestamp(primary, fallback int64) time.Time {
	if primary > 0 {
		return time.Unix(primary, 0).UTC()
	}
	if fallback > 0 {
		return time.Unix(fallback, 0).UTC()
	}
	return time.Now().UTC()
}
