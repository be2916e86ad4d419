package payment

import (
	"github.com/paccoastponds/pondops/internal/payment/adapters/stripe"
	"github.com/paccoastponds/pondops/internal/payment/repository"
	"github.com/paccoastponds/pondops/internal/payment/webhook"
	"go.uber.org/fx"
)

// Module wires the Stripe processor, the webhook parser and the webhook
// status writer.
var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
	fx.Provide(stripe.NewInvoiceProcessor),
	fx.Provide(stripe.NewWebhookParser),
	fx.Provide(webhook.NewService),
)

// ProcessorModule provides only the outbound processor, for processes that
// bill but do not receive webhooks.
var ProcessorModule = fx.Module("payment.processor",
	fx.Provide(stripe.NewInvoiceProcessor),
)
