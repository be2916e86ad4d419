package stripe

import (
	"context"

	"github.com/paccoastponds/pondops/internal/config"
	obsmetrics "github.com/paccoastponds/pondops/internal/observability/metrics"
	paymentdomain "github.com/paccoastponds/pondops/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewInvoiceProcessor(p Params) paymentdomain.InvoiceProcessor {
	if !p.Cfg.Stripe.Configured() {
		p.Log.Warn("stripe.processor.unconfigured", zap.String("reason", "STRIPE_SECRET_KEY not set"))
		return unconfiguredProcessor{}
	}
	return NewProcessor(p.Cfg.Stripe.SecretKey, p.Log,
		WithAPIURL(p.Cfg.Stripe.APIURL),
		WithMetrics(p.Metrics),
	)
}

func NewWebhookParser(p Params) paymentdomain.WebhookParser {
	adapter, err := NewAdapter(p.Cfg.Stripe.WebhookSecret)
	if err != nil {
		p.Log.Warn("stripe.webhook.unconfigured", zap.String("reason", "STRIPE_WEBHOOK_SECRET not set"))
		return unconfiguredParser{}
	}
	return adapter
}

type unconfiguredParser struct{}

func (unconfiguredParser) ParseWebhook(context.Context, []byte, string) (*paymentdomain.PaymentEvent, error) {
	return nil, paymentdomain.ErrProcessorNotConfigured
}
