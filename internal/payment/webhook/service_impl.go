package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/internal/clock"
	obsmetrics "github.com/paccoastponds/pondops/internal/observability/metrics"
	paymentdomain "github.com/paccoastponds/pondops/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	transitionApplied        = "applied"
	transitionNoop           = "noop"
	transitionRejected       = "rejected"
	transitionUnknownInvoice = "unknown_invoice"

	eventResultProcessed = "processed"
	eventResultDuplicate = "duplicate"
	eventResultIgnored   = "ignored"
	eventResultInvalid   = "invalid"
	eventResultDeferred  = "deferred"
	eventResultError     = "error"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Repo        paymentdomain.Repository
	Parser      paymentdomain.WebhookParser
	Notifier    paymentdomain.PaymentFailureNotifier
	Clock       clock.Clock
	GenID       *snowflake.Node
	Metrics     *obsmetrics.BillingMetrics `optional:"true"`
	OtelMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	repo        paymentdomain.Repository
	parser      paymentdomain.WebhookParser
	notifier    paymentdomain.PaymentFailureNotifier
	clock       clock.Clock
	genID       *snowflake.Node
	metrics     *obsmetrics.BillingMetrics
	otelMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.webhook"),
		repo:        p.Repo,
		parser:      p.Parser,
		notifier:    p.Notifier,
		clock:       clk,
		genID:       p.GenID,
		metrics:     p.Metrics,
		otelMetrics: p.OtelMetrics,
	}
}

// HandleStripeEvent verifies a Stripe delivery and applies it to the stored
// monthly invoice. Unhandled event types are acknowledged with a nil result.
// A redelivery of an event that was already applied returns
// ErrEventAlreadyProcessed. An event for a monthly-run invoice that is not
// stored yet returns ErrInvoiceNotRecorded and leaves the receipt open.
func (s *Service) HandleStripeEvent(ctx context.Context, payload []byte, signatureHeader string) (*paymentdomain.TransitionResult, error) {
	event, err := s.parser.ParseWebhook(ctx, payload, signatureHeader)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.recordEvent(ctx, "", eventResultIgnored)
			s.log.Debug("payment.webhook.ignored")
			return nil, nil
		}
		s.recordEvent(ctx, "", eventResultInvalid)
		s.log.Warn("payment.webhook.rejected", zap.Error(err))
		return nil, err
	}

	record, err := s.receive(ctx, event)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
			s.recordEvent(ctx, event.Type, eventResultDuplicate)
			s.log.Info("payment.webhook.duplicate",
				zap.String("provider_event_id", event.ProviderEventID),
			)
		} else {
			s.recordEvent(ctx, event.Type, eventResultError)
		}
		return nil, err
	}

	result, err := s.apply(ctx, event, record)
	if errors.Is(err, paymentdomain.ErrInvoiceNotRecorded) {
		s.recordEvent(ctx, event.Type, eventResultDeferred)
		s.log.Info("payment.webhook.deferred",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("invoice_ref", event.InvoiceRef),
			zap.String("service_account_id", event.AccountRef),
		)
		return nil, err
	}
	if err != nil {
		s.recordEvent(ctx, event.Type, eventResultError)
		s.log.Error("payment.webhook.failed",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("invoice_ref", event.InvoiceRef),
			zap.Error(err),
		)
		return nil, err
	}
	s.recordEvent(ctx, event.Type, eventResultProcessed)

	if result.Applied && result.To == string(billingdomain.InvoiceStatusFailed) {
		s.notifyPaymentFailed(ctx, event)
	}
	return result, nil
}

// receive stores the insert-once receipt. A receipt left unprocessed by an
// earlier failed attempt is picked up again.
func (s *Service) receive(ctx context.Context, event *paymentdomain.PaymentEvent) (*paymentdomain.EventRecord, error) {
	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.ProviderEventType,
		InvoiceRef:      event.InvoiceRef,
		CustomerRef:     event.CustomerRef,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, fmt.Errorf("store payment event: %w", err)
	}
	if inserted {
		return record, nil
	}

	stored, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
	if err != nil {
		return nil, fmt.Errorf("load payment event: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("load payment event: %s not found after conflict", event.ProviderEventID)
	}
	if stored.ProcessedAt != nil {
		return nil, paymentdomain.ErrEventAlreadyProcessed
	}
	return stored, nil
}

func (s *Service) apply(ctx context.Context, event *paymentdomain.PaymentEvent, record *paymentdomain.EventRecord) (*paymentdomain.TransitionResult, error) {
	now := s.clock.Now()
	to := billingdomain.InvoiceStatusFailed
	var paidAt *time.Time
	if event.Type == paymentdomain.EventTypePaymentSucceeded {
		to = billingdomain.InvoiceStatusPaid
		paidAt = &now
	}

	result := &paymentdomain.TransitionResult{InvoiceRef: event.InvoiceRef, To: string(to)}
	outcome := transitionNoop

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindInvoiceStatus(ctx, tx, event.InvoiceRef)
		switch {
		case errors.Is(err, paymentdomain.ErrInvoiceNotFound):
			if event.AccountRef != "" {
				// the run has not stored it yet; the receipt stays unprocessed
				return paymentdomain.ErrInvoiceNotRecorded
			}
			// not issued by the monthly run
			outcome = transitionUnknownInvoice
		case err != nil:
			return err
		default:
			result.From = string(current)
			switch {
			case current == to:
				outcome = transitionNoop
			case !billingdomain.CanTransition(current, to):
				outcome = transitionRejected
			default:
				changed, err := s.repo.TransitionInvoiceStatus(ctx, tx, event.InvoiceRef, to, paidAt)
				if err != nil {
					return err
				}
				result.Applied = changed
				if changed {
					outcome = transitionApplied
				}
			}
		}
		return s.repo.MarkProcessed(ctx, tx, record.ID, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncStatusTransition(result.From, result.To, outcome)
	fields := []zap.Field{
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.ProviderEventType),
		zap.String("invoice_ref", event.InvoiceRef),
		zap.String("from", result.From),
		zap.String("to", result.To),
		zap.String("result", outcome),
	}
	switch outcome {
	case transitionApplied:
		s.log.Info("payment.invoice.status_changed", fields...)
	case transitionRejected, transitionUnknownInvoice:
		s.log.Warn("payment.invoice.status_unchanged", fields...)
	default:
		s.log.Debug("payment.invoice.status_unchanged", fields...)
	}
	return result, nil
}

func (s *Service) notifyPaymentFailed(ctx context.Context, event *paymentdomain.PaymentEvent) {
	if s.notifier == nil {
		return
	}
	customerRef := strings.TrimSpace(event.CustomerRef)
	if customerRef == "" {
		s.log.Warn("payment.webhook.notify_skipped",
			zap.String("invoice_ref", event.InvoiceRef),
			zap.String("reason", "missing_customer"),
		)
		return
	}
	account, err := s.repo.FindAccountByCustomerRef(ctx, s.db, customerRef)
	if err != nil {
		s.log.Warn("payment.webhook.notify_skipped",
			zap.String("invoice_ref", event.InvoiceRef),
			zap.String("customer_ref", customerRef),
			zap.Error(err),
		)
		return
	}
	s.notifier.NotifyAccountPaymentFailed(ctx, *account)
}

func (s *Service) recordEvent(ctx context.Context, eventType, result string) {
	s.otelMetrics.RecordPaymentEvent(ctx, paymentdomain.ProviderStripe, eventType, result)
}
