package domain

import (
	"context"

	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
)

// WebhookService applies processor payment confirmations to stored invoices.
type WebhookService interface {
	HandleStripeEvent(ctx context.Context, payload []byte, signatureHeader string) (*TransitionResult, error)
}

// PaymentFailureNotifier tells the account owner that an asynchronous
// payment attempt failed. It must not block on delivery.
type PaymentFailureNotifier interface {
	NotifyAccountPaymentFailed(ctx context.Context, account billingdomain.BillableAccount) bool
}
