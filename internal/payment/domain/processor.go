package domain

import "context"

// Invoice statuses reported by the processor after a pay attempt.
const (
	RemoteStatusDraft         = "draft"
	RemoteStatusOpen          = "open"
	RemoteStatusPaid          = "paid"
	RemoteStatusUncollectible = "uncollectible"
	RemoteStatusVoid          = "void"
)

type DraftInvoiceInput struct {
	CustomerRef    string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type LineItemInput struct {
	CustomerRef    string
	InvoiceRef     string
	AmountMinor    int64
	Currency       string
	Description    string
	IdempotencyKey string
}

type PayInput struct {
	InvoiceRef     string
	IdempotencyKey string
}

type ChargeResult struct {
	InvoiceRef string
	Status     string
}

func (r ChargeResult) Paid() bool {
	return r.Status == RemoteStatusPaid
}

// InvoiceProcessor is the remote invoicing surface of the payment processor.
// Every call carries a caller-supplied idempotency key so that a retried
// billing run does not create duplicate remote objects.
type InvoiceProcessor interface {
	CreateDraftInvoice(ctx context.Context, in DraftInvoiceInput) (string, error)
	AddLineItem(ctx context.Context, in LineItemInput) error
	FinalizeInvoice(ctx context.Context, invoiceRef string, idempotencyKey string) error
	// PayInvoice attempts a synchronous charge. A declined charge is
	// returned as an error wrapping ErrChargeFailed.
	PayInvoice(ctx context.Context, in PayInput) (ChargeResult, error)
}

// WebhookParser authenticates a processor webhook delivery and maps it to a
// canonical PaymentEvent. Unhandled event types return ErrEventIgnored.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, payload []byte, signatureHeader string) (*PaymentEvent, error)
}
