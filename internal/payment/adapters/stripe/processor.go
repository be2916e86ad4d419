package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	obsmetrics "github.com/paccoastponds/pondops/internal/observability/metrics"
	paymentdomain "github.com/paccoastponds/pondops/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.uber.org/zap"
)

const (
	opCreateDraft = "create_draft_invoice"
	opAddLine     = "add_line_item"
	opFinalize    = "finalize_invoice"
	opPay         = "pay_invoice"
)

type processorOptions struct {
	backend stripego.Backend
	apiURL  string
	metrics *obsmetrics.Metrics
}

type ProcessorOption func(*processorOptions)

// WithBackend replaces the HTTP backend, used by tests.
func WithBackend(backend stripego.Backend) ProcessorOption {
	return func(o *processorOptions) { o.backend = backend }
}

// WithAPIURL points the client at another API base such as stripe-mock.
func WithAPIURL(url string) ProcessorOption {
	return func(o *processorOptions) { o.apiURL = strings.TrimSpace(url) }
}

func WithMetrics(m *obsmetrics.Metrics) ProcessorOption {
	return func(o *processorOptions) { o.metrics = m }
}

// Processor drives Stripe invoices: draft, items, finalize, pay.
type Processor struct {
	api     *client.API
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewProcessor(secretKey string, log *zap.Logger, opts ...ProcessorOption) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	o := processorOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	backend := o.backend
	if backend == nil {
		cfg := &stripego.BackendConfig{
			// Retries are left to the next billing run, which replays the
			// same idempotency keys.
			MaxNetworkRetries: stripego.Int64(0),
		}
		if o.apiURL != "" {
			cfg.URL = stripego.String(o.apiURL)
		}
		backend = stripego.GetBackendWithConfig(stripego.APIBackend, cfg)
	}

	api := &client.API{}
	api.Init(secretKey, &stripego.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Processor{
		api:     api,
		log:     log.Named("stripe.processor"),
		metrics: o.metrics,
	}
}

func (p *Processor) CreateDraftInvoice(ctx context.Context, in paymentdomain.DraftInvoiceInput) (string, error) {
	params := &stripego.InvoiceParams{
		Customer:                    stripego.String(in.CustomerRef),
		CollectionMethod:            stripego.String(string(stripego.InvoiceCollectionMethodChargeAutomatically)),
		AutoAdvance:                 stripego.Bool(false),
		Description:                 stripego.String(in.Description),
		PendingInvoiceItemsBehavior: stripego.String("exclude"),
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	setIdempotencyKey(&params.Params, in.IdempotencyKey)

	start := time.Now()
	inv, err := p.api.Invoices.New(params)
	p.record(ctx, opCreateDraft, start, err)
	if err != nil {
		return "", fmt.Errorf("stripe: create invoice: %w", err)
	}
	return inv.ID, nil
}

func (p *Processor) AddLineItem(ctx context.Context, in paymentdomain.LineItemInput) error {
	params := &stripego.InvoiceItemParams{
		Customer:    stripego.String(in.CustomerRef),
		Invoice:     stripego.String(in.InvoiceRef),
		Amount:      stripego.Int64(in.AmountMinor),
		Currency:    stripego.String(strings.ToLower(in.Currency)),
		Description: stripego.String(in.Description),
	}
	params.Context = ctx
	setIdempotencyKey(&params.Params, in.IdempotencyKey)

	start := time.Now()
	_, err := p.api.InvoiceItems.New(params)
	p.record(ctx, opAddLine, start, err)
	if err != nil {
		return fmt.Errorf("stripe: create invoice item: %w", err)
	}
	return nil
}

func (p *Processor) FinalizeInvoice(ctx context.Context, invoiceRef string, idempotencyKey string) error {
	params := &stripego.InvoiceFinalizeInvoiceParams{}
	params.Context = ctx
	setIdempotencyKey(&params.Params, idempotencyKey)

	start := time.Now()
	_, err := p.api.Invoices.FinalizeInvoice(invoiceRef, params)
	p.record(ctx, opFinalize, start, err)
	if err != nil {
		return fmt.Errorf("stripe: finalize invoice: %w", err)
	}
	return nil
}

func (p *Processor) PayInvoice(ctx context.Context, in paymentdomain.PayInput) (paymentdomain.ChargeResult, error) {
	params := &stripego.InvoicePayParams{}
	params.Context = ctx
	setIdempotencyKey(&params.Params, in.IdempotencyKey)

	start := time.Now()
	inv, err := p.api.Invoices.Pay(in.InvoiceRef, params)
	p.record(ctx, opPay, start, err)
	if err != nil {
		var stripeErr *stripego.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripego.ErrorTypeCard {
			return paymentdomain.ChargeResult{InvoiceRef: in.InvoiceRef}, fmt.Errorf("%w: %s", paymentdomain.ErrChargeFailed, declineReason(stripeErr))
		}
		return paymentdomain.ChargeResult{InvoiceRef: in.InvoiceRef}, fmt.Errorf("stripe: pay invoice: %w", err)
	}
	return paymentdomain.ChargeResult{InvoiceRef: inv.ID, Status: string(inv.Status)}, nil
}

func (p *Processor) record(ctx context.Context, op string, start time.Time, err error) {
	p.metrics.RecordProcessorCall(ctx, op, time.Since(start), err)
	if err != nil {
		p.log.Debug("stripe.call.failed", zap.String("operation", op), zap.Error(err))
	}
}

func setIdempotencyKey(params *stripego.Params, key string) {
	if key = strings.TrimSpace(key); key != "" {
		params.SetIdempotencyKey(key)
	}
}

func declineReason(err *stripego.Error) string {
	if err.DeclineCode != "" {
		return string(err.DeclineCode)
	}
	if err.Code != "" {
		return string(err.Code)
	}
	return err.Msg
}

// unconfiguredProcessor fails every call; it stands in when no secret key
// is set so that a billing run reports errors instead of crashing.
type unconfiguredProcessor struct{}

func (unconfiguredProcessor) CreateDraftInvoice(context.Context, paymentdomain.DraftInvoiceInput) (string, error) {
	return "", paymentdomain.ErrProcessorNotConfigured
}

func (unconfiguredProcessor) AddLineItem(context.Context, paymentdomain.LineItemInput) error {
	return paymentdomain.ErrProcessorNotConfigured
}

func (unconfiguredProcessor) FinalizeInvoice(context.Context, string, string) error {
	return paymentdomain.ErrProcessorNotConfigured
}

func (unconfiguredProcessor) PayInvoice(context.Context, paymentdomain.PayInput) (paymentdomain.ChargeResult, error) {
	return paymentdomain.ChargeResult{}, paymentdomain.ErrProcessorNotConfigured
}
