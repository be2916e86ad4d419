package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/internal/billingcycle"
	"github.com/paccoastponds/pondops/internal/clock"
	obsmetrics "github.com/paccoastponds/pondops/internal/observability/metrics"
	"github.com/paccoastponds/pondops/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobMonthlyBilling = "monthly_billing"
	JobReconcileUsage = "reconcile_usage"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	BillingSvc billingdomain.Service
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	billingSvc billingdomain.Service

	mu sync.Mutex
	// attemptedPeriod is the last period this process started billing;
	// billedPeriod the last one it finished.
	attemptedPeriod string
	billedPeriod    string
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.BillingSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		billingSvc: p.BillingSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(zap.String("job", name))
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errors == 0 {
			run.AddErrors(1)
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks the work up again
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce performs one scheduler tick: the monthly billing run when it is
// due, then usage reconciliation.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	if s.isJobEnabled(JobMonthlyBilling) {
		due, dueErr := s.billingDue(parent)
		if dueErr != nil {
			s.logSchedulerError(parent, nil, "scheduler.billing.check_failed", JobMonthlyBilling, dueErr)
			err = errors.Join(err, fmt.Errorf("%s: %w", JobMonthlyBilling, dueErr))
		}
		if due {
			err = errors.Join(err, s.runJob(parent, JobMonthlyBilling, 0, s.cfg.BillingTimeout, s.MonthlyBillingJob))
		}
	}

	if s.isJobEnabled(JobReconcileUsage) {
		err = errors.Join(err, s.runJob(parent, JobReconcileUsage, s.cfg.ReconcileBatchSize, s.cfg.ReconcileTimeout, s.ReconcileUsageJob))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// billingDue reports whether the monthly run should start on this tick: the
// window for the current month is open and some billable account still has
// no invoice for the prior month.
func (s *Scheduler) billingDue(ctx context.Context) (bool, error) {
	now := s.clock.Now()
	if err := guard.EnsureBillingWindowOpen(now, s.cfg.RunDay, s.cfg.RunHour); err != nil {
		if !errors.Is(err, guard.ErrBillingWindowNotOpen) {
			return false, err
		}
		s.logJobDeferred(ctx, JobMonthlyBilling, obsmetrics.SchedulerDeferredReasonNotDue)
		return false, nil
	}

	period := billingcycle.ResolvePriorMonth(now)
	if s.periodBilled(period.Key()) {
		s.logJobDeferred(ctx, JobMonthlyBilling, obsmetrics.SchedulerDeferredReasonAlreadyRan,
			zap.String("billing_period", period.Key()))
		return false, nil
	}

	// a run this process started but did not finish is resumed; its own
	// invoices must not read as a completed run
	if s.periodAttempted(period.Key()) {
		return true, nil
	}

	// a batch cut short by a restart leaves accounts uninvoiced
	outstanding, err := s.periodOutstanding(ctx, period)
	if err != nil {
		return false, err
	}
	if outstanding == 0 {
		s.markPeriodBilled(period.Key())
		s.logJobDeferred(ctx, JobMonthlyBilling, obsmetrics.SchedulerDeferredReasonAlreadyRan,
			zap.String("billing_period", period.Key()))
		return false, nil
	}
	return true, nil
}

// MonthlyBillingJob runs the batch for the prior calendar month. A run that
// finished without being cut short marks the period done for this process.
func (s *Scheduler) MonthlyBillingJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobMonthlyBilling, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	s.markPeriodAttempted(billingcycle.ResolvePriorMonth(s.clock.Now()).Key())
	report, err := s.billingSvc.RunMonthlyBilling(ctx)
	if err != nil {
		if errors.Is(err, billingdomain.ErrRunInProgress) {
			s.logJobDeferred(ctx, JobMonthlyBilling, obsmetrics.SchedulerDeferredReasonRunLocked)
			return nil
		}
		s.logSchedulerError(ctx, run, "scheduler.billing.failed", JobMonthlyBilling, err)
		return err
	}

	summary := report.Summary()
	run.AddProcessed(len(report.Entries))
	run.AddErrors(summary.Errors)
	obsmetrics.Scheduler().AddBatchProcessed(JobMonthlyBilling, "service_account", len(report.Entries))
	s.logBillingReport(ctx, report)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.markPeriodBilled(report.Period.Key())
	return nil
}

// ReconcileUsageJob marks billed the usage items that already sit on a
// persisted invoice line.
func (s *Scheduler) ReconcileUsageJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileUsage, s.cfg.ReconcileBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	reconciled, err := s.billingSvc.ReconcileUsage(ctx, s.cfg.ReconcileBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", JobReconcileUsage, err)
		return err
	}
	run.AddProcessed(int(reconciled))
	obsmetrics.Scheduler().AddBatchProcessed(JobReconcileUsage, "usage_item", int(reconciled))
	return nil
}

// periodOutstanding counts billable accounts with no invoice for the period.
func (s *Scheduler) periodOutstanding(ctx context.Context, period billingdomain.BillingPeriod) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM service_accounts sa
		 WHERE sa.active = true
		   AND sa.is_subscription = true
		   AND sa.stripe_customer_id IS NOT NULL
		   AND NOT EXISTS (
			SELECT 1 FROM monthly_invoices mi
			WHERE mi.service_account_id = sa.id AND mi.period_start = ?
		   )`,
		period.StartDate(),
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Scheduler) periodBilled(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.billedPeriod == key
}

func (s *Scheduler) periodAttempted(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptedPeriod == key
}

func (s *Scheduler) markPeriodAttempted(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptedPeriod = key
}

func (s *Scheduler) markPeriodBilled(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.billedPeriod = key
}
