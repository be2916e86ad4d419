// Package notification sends customer emails without ever blocking or
// failing the billing work that triggers them.
package notification

import (
	"context"
	"errors"
	"strings"
	"time"

	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/internal/config"
	obsmetrics "github.com/paccoastponds/pondops/internal/observability/metrics"
	"github.com/paccoastponds/pondops/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultSendTimeout = 10 * time.Second
	defaultMaxInFlight = 16
	flushPollInterval  = 10 * time.Millisecond
)

type Params struct {
	fx.In

	Provider    email.Provider
	Log         *zap.Logger
	Billing     *config.BillingConfigHolder
	Metrics     *obsmetrics.BillingMetrics `optional:"true"`
	OtelMetrics *obsmetrics.Metrics        `optional:"true"`
	Timeout     time.Duration              `name:"notification_timeout" optional:"true"`
}

// Recipient is who a notice goes to. Name falls back to a generic greeting.
type Recipient struct {
	Email string
	Name  string
}

// RecipientFor resolves the contact of an account: profile first, then the
// stored contact.
func RecipientFor(account billingdomain.BillableAccount) Recipient {
	return Recipient{Email: account.NotificationEmail(), Name: account.DisplayName()}
}

// Dispatcher queues each email on its own goroutine with a fixed timeout.
// Dispatch never blocks on delivery; Flush waits for what is in flight.
type Dispatcher struct {
	provider    email.Provider
	log         *zap.Logger
	billing     *config.BillingConfigHolder
	metrics     *obsmetrics.BillingMetrics
	otelMetrics *obsmetrics.Metrics
	timeout     time.Duration

	// sem holds one slot per in-flight send
	sem chan struct{}
}

func NewDispatcher(p Params) *Dispatcher {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	provider := p.Provider
	if provider == nil {
		provider = email.NoOpProvider{}
	}
	return &Dispatcher{
		provider:    provider,
		log:         log.Named("notification"),
		billing:     p.Billing,
		metrics:     p.Metrics,
		otelMetrics: p.OtelMetrics,
		timeout:     timeout,
		sem:         make(chan struct{}, defaultMaxInFlight),
	}
}

// NotifyChargeFailed tells the account that the charge for period was
// declined. It reports whether a send was queued.
func (d *Dispatcher) NotifyChargeFailed(ctx context.Context, account billingdomain.BillableAccount, period billingdomain.BillingPeriod) bool {
	billingCopy := d.billing.Get()
	rcpt := RecipientFor(account)
	subject := strings.TrimSpace(billingCopy.ChargeFailedTitle + " " + period.Label)
	body, err := render(chargeFailedTmpl, templateData{
		Name:        rcpt.Name,
		PeriodLabel: period.Label,
		CompanyName: billingCopy.CompanyName,
		PortalURL:   billingCopy.PortalURL,
	})
	if err != nil {
		d.log.Error("notification.render_failed", zap.String("kind", KindChargeFailed), zap.Error(err))
		return false
	}
	return d.dispatch(ctx, KindChargeFailed, rcpt, subject, body)
}

// NotifyPaymentFailed is sent when the processor reports an asynchronous
// payment failure.
func (d *Dispatcher) NotifyPaymentFailed(ctx context.Context, rcpt Recipient) bool {
	billingCopy := d.billing.Get()
	if strings.TrimSpace(rcpt.Name) == "" {
		rcpt.Name = "Valued Customer"
	}
	body, err := render(paymentFailedTmpl, templateData{
		Name:        rcpt.Name,
		CompanyName: billingCopy.CompanyName,
		PortalURL:   billingCopy.PortalURL,
	})
	if err != nil {
		d.log.Error("notification.render_failed", zap.String("kind", KindPaymentFailed), zap.Error(err))
		return false
	}
	return d.dispatch(ctx, KindPaymentFailed, rcpt, billingCopy.PaymentFailedTitle, body)
}

// NotifyAccountPaymentFailed resolves the account contact and sends the
// payment failed notice.
func (d *Dispatcher) NotifyAccountPaymentFailed(ctx context.Context, account billingdomain.BillableAccount) bool {
	return d.NotifyPaymentFailed(ctx, RecipientFor(account))
}

func (d *Dispatcher) dispatch(ctx context.Context, kind string, rcpt Recipient, subject, body string) bool {
	to := strings.TrimSpace(rcpt.Email)
	if to == "" {
		d.record(ctx, kind, obsmetrics.NotificationResultSkipped)
		d.log.Debug("notification.skipped", zap.String("kind", kind), zap.String("reason", "no_email"))
		return false
	}
	if _, ok := d.provider.(email.NoOpProvider); ok {
		d.record(ctx, kind, obsmetrics.NotificationResultSkipped)
		d.log.Debug("notification.skipped", zap.String("kind", kind), zap.String("reason", "not_configured"))
		return false
	}

	select {
	case d.sem <- struct{}{}:
	default:
		d.record(ctx, kind, obsmetrics.NotificationResultDropped)
		d.log.Warn("notification.dropped", zap.String("kind", kind), zap.String("reason", "too_many_in_flight"))
		return false
	}

	// the send outlives the caller's cancellation but keeps its values
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	go func() {
		defer cancel()
		defer func() { <-d.sem }()
		defer func() {
			if r := recover(); r != nil {
				d.record(sendCtx, kind, obsmetrics.NotificationResultFailed)
				d.log.Error("notification.panic", zap.String("kind", kind), zap.Any("panic", r))
			}
		}()

		err := d.provider.Send(sendCtx, []string{to}, subject, body)
		switch {
		case err == nil:
			d.record(sendCtx, kind, obsmetrics.NotificationResultSent)
			d.log.Info("notification.sent", zap.String("kind", kind))
		case errors.Is(err, email.ErrNotConfigured):
			d.record(sendCtx, kind, obsmetrics.NotificationResultSkipped)
		default:
			d.record(sendCtx, kind, obsmetrics.NotificationResultFailed)
			d.log.Warn("notification.failed", zap.String("kind", kind), zap.Error(err))
		}
	}()
	return true
}

// Flush waits until no send is in flight or ctx ends. Sends queued while
// Flush waits are waited for too.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for len(d.sem) > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, kind, result string) {
	d.metrics.IncNotification(kind, result)
	d.otelMetrics.RecordNotification(ctx, kind, result)
}
