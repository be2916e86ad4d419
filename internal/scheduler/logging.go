package scheduler

import (
	"context"
	"time"

	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	obscontext "github.com/paccoastponds/pondops/internal/observability/context"
	obslogger "github.com/paccoastponds/pondops/internal/observability/logger"
	obsmetrics "github.com/paccoastponds/pondops/internal/observability/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// jobRun tracks one job invocation. The first runJob or job entrypoint on a
// context owns it and emits the start and finish lines.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	processed int
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processed += count
}

func (r *jobRun) AddErrors(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.errors += count
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	// the billing service reuses this id as the report run id
	ctx = obscontext.WithRunID(ctx, run.runID)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	return ctx, run, true
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{zap.String("job", run.job)}
	if run.batchSize > 0 {
		fields = append(fields, zap.Int("batch_size", run.batchSize))
	}
	s.logger(ctx).Info("scheduler.job.start", fields...)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	level := zap.InfoLevel
	if run.errors > 0 {
		level = zap.WarnLevel
	}
	s.logger(ctx).Log(level, "scheduler.job.finish",
		zap.String("job", run.job),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.errors),
	)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.AddErrors(1)
	s.logger(ctx).Error(msg, append([]zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}, fields...)...)
}

func (s *Scheduler) logJobDeferred(ctx context.Context, job, reason string, fields ...zap.Field) {
	obsmetrics.Scheduler().IncJobDeferred(job, reason)
	s.logger(ctx).Debug("scheduler.job.deferred",
		append([]zap.Field{zap.String("job", job), zap.String("reason", reason)}, fields...)...,
	)
}

func (s *Scheduler) logBillingReport(ctx context.Context, report billingdomain.Report) {
	summary := report.Summary()
	invoiced := decimal.Zero
	for _, entry := range report.Entries {
		if entry.Outcome.Kind == billingdomain.OutcomeSuccess {
			invoiced = invoiced.Add(entry.Outcome.Total)
		}
	}
	s.logger(ctx).Info("scheduler.billing.completed",
		zap.String("billing_period", report.Period.Key()),
		zap.Int("accounts", len(report.Entries)),
		zap.Int("success", summary.Success),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
		zap.Int("paid", summary.Paid),
		zap.Int("failed", summary.Failed),
		zap.Int("pending_charge", summary.Pending),
		zap.String("invoiced_total", invoiced.StringFixed(2)),
	)
}
