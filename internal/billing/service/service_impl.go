package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/internal/billingcycle"
	"github.com/paccoastponds/pondops/internal/clock"
	"github.com/paccoastponds/pondops/internal/config"
	obscontext "github.com/paccoastponds/pondops/internal/observability/context"
	obslogger "github.com/paccoastponds/pondops/internal/observability/logger"
	obsmetrics "github.com/paccoastponds/pondops/internal/observability/metrics"
	paymentdomain "github.com/paccoastponds/pondops/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCurrency       = "usd"
	notificationFlushWait = 15 * time.Second
)

// idempotencyNamespace scopes the deterministic keys sent to the processor.
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://paccoastponds.com/billing/monthly"))

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	Repo      billingdomain.Repository
	Processor paymentdomain.InvoiceProcessor
	Notifier  billingdomain.FailureNotifier
	Clock     clock.Clock
	Billing   *config.BillingConfigHolder `optional:"true"`
	RunLock   billingdomain.RunLock       `optional:"true"`
	Metrics   *obsmetrics.BillingMetrics  `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      billingdomain.Repository
	processor paymentdomain.InvoiceProcessor
	notifier  billingdomain.FailureNotifier
	clock     clock.Clock
	billing   *config.BillingConfigHolder
	runLock   billingdomain.RunLock
	metrics   *obsmetrics.BillingMetrics
	tracer    trace.Tracer

	currency   string
	runTimeout time.Duration
}

func NewService(p Params) billingdomain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	currency := strings.ToLower(strings.TrimSpace(p.Cfg.Stripe.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &Service{
		db:         p.DB,
		log:        log.Named("billing.service"),
		repo:       p.Repo,
		processor:  p.Processor,
		notifier:   p.Notifier,
		clock:      clk,
		billing:    p.Billing,
		runLock:    p.RunLock,
		metrics:    p.Metrics,
		tracer:     otel.Tracer("pondops/billing"),
		currency:   currency,
		runTimeout: p.Cfg.Scheduler.RunTimeout,
	}
}

func (s *Service) SelectAccounts(ctx context.Context) ([]billingdomain.BillableAccount, error) {
	accounts, err := s.repo.ListBillableAccounts(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", billingdomain.ErrAccountSelection, err)
	}
	return accounts, nil
}

// BillAccount runs the full billing routine for one account. Every failure
// is folded into the returned outcome.
func (s *Service) BillAccount(
	ctx context.Context,
	account billingdomain.BillableAccount,
	period billingdomain.BillingPeriod,
) (outcome billingdomain.AccountOutcome) {
	ctx, span := s.tracer.Start(ctx, "billing.account",
		trace.WithAttributes(
			attribute.String("account_id", account.ID),
			attribute.String("billing_period", period.Key()),
		),
	)
	log := obslogger.WithAccount(obslogger.WithContext(ctx, s.log), account.ID)

	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome.Kind)))
		if outcome.Kind == billingdomain.OutcomeError {
			span.SetStatus(codes.Error, outcome.Error)
		}
		span.End()
		s.metrics.IncAccountOutcome(string(outcome.Kind), string(outcome.Status))
	}()

	customerRef := ""
	if account.PaymentCustomerRef != nil {
		customerRef = strings.TrimSpace(*account.PaymentCustomerRef)
	}
	if strings.TrimSpace(account.ID) == "" || customerRef == "" {
		return billingdomain.Failed(billingdomain.ErrInvalidAccount)
	}

	existing, err := s.repo.FindInvoice(ctx, s.db, account.ID, period.Start)
	if err != nil {
		log.Error("billing.account.lookup_failed", zap.Error(err))
		return billingdomain.Failed(fmt.Errorf("find invoice: %w", err))
	}
	if existing != nil {
		log.Info("billing.account.skipped", zap.String("reason", billingdomain.ReasonInvoiceExists))
		return billingdomain.Skipped(billingdomain.ReasonInvoiceExists)
	}

	usage, err := s.repo.ListUnbilledUsage(ctx, s.db, account.ID)
	if err != nil {
		log.Error("billing.account.usage_failed", zap.Error(err))
		return billingdomain.Failed(fmt.Errorf("list usage: %w", err))
	}

	billingCfg := s.billing.Get()
	lines := BuildLineItems(account.MonthlyServiceFee, usage, period, billingCfg.ServiceDescription)
	total := SumLineItems(lines)

	invoiceRef, err := s.buildRemoteInvoice(ctx, account.ID, customerRef, period, billingCfg, lines)
	if err != nil {
		log.Error("billing.account.remote_invoice_failed", zap.Error(err))
		return billingdomain.Failed(err)
	}

	status := billingdomain.InvoiceStatusPendingCharge
	var paidAt *time.Time
	charge, payErr := s.processor.PayInvoice(ctx, paymentdomain.PayInput{
		InvoiceRef:     invoiceRef,
		IdempotencyKey: idempotencyKey(account.ID, period, "pay"),
	})
	now := s.clock.Now()
	switch {
	case payErr != nil:
		status = billingdomain.InvoiceStatusFailed
		log.Warn("billing.charge.failed", zap.String("stripe_invoice_id", invoiceRef), zap.Error(payErr))
		if s.notifier != nil {
			s.notifier.NotifyChargeFailed(ctx, account, period)
		}
	case charge.Paid():
		status = billingdomain.InvoiceStatusPaid
		paidAt = &now
	}

	invoice := billingdomain.InvoiceRecord{
		ID:                 uuid.New(),
		AccountID:          account.ID,
		PeriodStart:        period.Start,
		PeriodEnd:          period.End,
		Status:             status,
		TotalAmount:        total,
		ExternalInvoiceRef: invoiceRef,
		SentAt:             now,
		PaidAt:             paidAt,
	}
	records := lineItemRecords(invoice.ID, lines)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertInvoice(ctx, tx, &invoice); err != nil {
			return err
		}
		return s.repo.InsertLineItems(ctx, tx, records)
	})
	if errors.Is(err, billingdomain.ErrInvoiceExists) {
		log.Warn("billing.account.concurrent_invoice",
			zap.String("stripe_invoice_id", invoiceRef),
			zap.String("reason", billingdomain.ReasonInvoiceExists),
		)
		return billingdomain.Skipped(billingdomain.ReasonInvoiceExists)
	}
	if err != nil {
		log.Error("billing.account.persist_failed",
			zap.String("stripe_invoice_id", invoiceRef),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return billingdomain.Failed(fmt.Errorf("persist invoice: %w", err))
	}

	outcome = billingdomain.AccountOutcome{
		Kind:               billingdomain.OutcomeSuccess,
		ExternalInvoiceRef: invoiceRef,
		Total:              total,
		Status:             status,
	}

	// Usage is consumed whatever the charge status, excluded items included.
	if len(usage) > 0 {
		if _, err := s.repo.MarkUsageBilled(ctx, s.db, usageIDs(usage)); err != nil {
			log.Error("billing.account.mark_billed_failed",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Int("usage_items", len(usage)),
				zap.Error(err),
			)
			outcome.ReconcileRequired = true
		}
	}

	s.metrics.AddInvoicedAmount(string(status), total)
	log.Info("billing.account.billed",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("stripe_invoice_id", invoiceRef),
		zap.String("status", string(status)),
		zap.String("total", total.StringFixed(2)),
		zap.Int("line_items", len(lines)),
	)
	return outcome
}

// buildRemoteInvoice creates, fills and finalizes the processor invoice.
func (s *Service) buildRemoteInvoice(
	ctx context.Context,
	accountID string,
	customerRef string,
	period billingdomain.BillingPeriod,
	billingCfg config.BillingConfig,
	lines []billingdomain.LineItem,
) (string, error) {
	invoiceRef, err := s.processor.CreateDraftInvoice(ctx, paymentdomain.DraftInvoiceInput{
		CustomerRef: customerRef,
		Description: fmt.Sprintf("%s — %s", billingCfg.CompanyName, period.Label),
		Metadata: map[string]string{
			"service_account_id": accountID,
			"period_start":       period.StartDate(),
		},
		IdempotencyKey: idempotencyKey(accountID, period, "draft"),
	})
	if err != nil {
		return "", fmt.Errorf("create draft invoice: %w", err)
	}

	for i, line := range lines {
		if err := s.processor.AddLineItem(ctx, paymentdomain.LineItemInput{
			CustomerRef:    customerRef,
			InvoiceRef:     invoiceRef,
			AmountMinor:    line.MinorUnits(),
			Currency:       s.currency,
			Description:    line.Description,
			IdempotencyKey: idempotencyKey(accountID, period, lineStep(line)),
		}); err != nil {
			return "", fmt.Errorf("add line item %d: %w", i, err)
		}
	}

	if err := s.processor.FinalizeInvoice(ctx, invoiceRef, idempotencyKey(accountID, period, "finalize")); err != nil {
		return "", fmt.Errorf("finalize invoice: %w", err)
	}
	return invoiceRef, nil
}

func (s *Service) RunMonthlyBilling(ctx context.Context) (billingdomain.Report, error) {
	started := s.clock.Now()
	period := billingcycle.ResolvePriorMonth(started)

	runID := obscontext.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = obscontext.WithRunID(ctx, runID)
	}
	report := billingdomain.Report{
		RunID:     runID,
		Period:    period,
		StartedAt: started,
		Entries:   []billingdomain.ReportEntry{},
	}
	log := obslogger.WithContext(ctx, s.log).With(zap.String("billing_period", period.Key()))

	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	if s.runLock != nil {
		token, acquired, err := s.runLock.TryLock(ctx, period.Key())
		if err != nil {
			s.metrics.ObserveRun(obsmetrics.RunResultLocked, s.clock.Now().Sub(started))
			return report, fmt.Errorf("acquire run lock: %w", err)
		}
		if !acquired {
			log.Warn("billing.run.locked")
			s.metrics.ObserveRun(obsmetrics.RunResultLocked, s.clock.Now().Sub(started))
			return report, billingdomain.ErrRunInProgress
		}
		defer func() {
			if err := s.runLock.Release(context.WithoutCancel(ctx), period.Key(), token); err != nil {
				log.Warn("billing.run.unlock_failed", zap.Error(err))
			}
		}()
	}

	log.Info("billing.run.start", zap.String("period_label", period.Label))

	accounts, err := s.SelectAccounts(ctx)
	if err != nil {
		log.Error("billing.run.selection_failed", zap.Error(err))
		s.metrics.ObserveRun(obsmetrics.RunResultSelectionFailure, s.clock.Now().Sub(started))
		return report, err
	}

	for i, account := range accounts {
		if err := ctx.Err(); err != nil {
			log.Warn("billing.run.cancelled", zap.Int("remaining", len(accounts)-i), zap.Error(err))
			for _, rest := range accounts[i:] {
				report.Entries = append(report.Entries, billingdomain.ReportEntry{
					AccountID: rest.ID,
					Outcome:   billingdomain.Failed(fmt.Errorf("billing run cancelled: %w", err)),
				})
			}
			break
		}
		report.Entries = append(report.Entries, billingdomain.ReportEntry{
			AccountID: account.ID,
			Outcome:   s.billRecovered(ctx, account, period),
		})
	}

	if s.notifier != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationFlushWait)
		if err := s.notifier.Flush(flushCtx); err != nil {
			log.Warn("billing.run.notification_flush_incomplete", zap.Error(err))
		}
		cancel()
	}

	report.FinishedAt = s.clock.Now()
	summary := report.Summary()
	s.metrics.ObserveRun(obsmetrics.RunResultSuccess, report.FinishedAt.Sub(started))
	log.Info("billing.run.finish",
		zap.Int("accounts", len(report.Entries)),
		zap.Int("success", summary.Success),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
		zap.Int("paid", summary.Paid),
		zap.Int("failed", summary.Failed),
		zap.Int("pending_charge", summary.Pending),
		zap.Duration("duration", report.FinishedAt.Sub(started)),
	)
	return report, nil
}

// billRecovered keeps a panic in one account from ending the batch.
func (s *Service) billRecovered(
	ctx context.Context,
	account billingdomain.BillableAccount,
	period billingdomain.BillingPeriod,
) (outcome billingdomain.AccountOutcome) {
	defer func() {
		if r := recover(); r != nil {
			obslogger.WithAccount(obslogger.WithContext(ctx, s.log), account.ID).Error("billing.account.panic",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			outcome = billingdomain.Failed(fmt.Errorf("billing routine panicked: %v", r))
		}
	}()
	return s.BillAccount(ctx, account, period)
}

// ReconcileUsage marks billed the usage items that already appear on a
// persisted invoice line but were left unbilled.
func (s *Service) ReconcileUsage(ctx context.Context, limit int) (int64, error) {
	ids, err := s.repo.ListUnreconciledUsage(ctx, s.db, limit)
	if err != nil {
		return 0, fmt.Errorf("list unreconciled usage: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	updated, err := s.repo.MarkUsageBilled(ctx, s.db, ids)
	if err != nil {
		return 0, fmt.Errorf("mark usage billed: %w", err)
	}
	s.metrics.AddReconciled(updated)
	obslogger.WithContext(ctx, s.log).Info("billing.usage.reconciled", zap.Int64("usage_items", updated))
	return updated, nil
}

func lineItemRecords(invoiceID uuid.UUID, lines []billingdomain.LineItem) []billingdomain.LineItemRecord {
	records := make([]billingdomain.LineItemRecord, 0, len(lines))
	for _, line := range lines {
		records = append(records, billingdomain.LineItemRecord{
			ID:          uuid.New(),
			InvoiceID:   invoiceID,
			Description: line.Description,
			Amount:      line.Amount,
			Type:        line.Type,
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			UsageItemID: line.UsageItemID,
		})
	}
	return records
}

func idempotencyKey(accountID string, period billingdomain.BillingPeriod, step string) string {
	name := fmt.Sprintf("%s:%s:%s", accountID, period.Key(), step)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
