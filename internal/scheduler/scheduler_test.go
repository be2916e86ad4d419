package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paccoastponds/pondops/internal/billing/billingtest"
	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/internal/clock"
	obsmetrics "github.com/paccoastponds/pondops/internal/observability/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := useTestMetrics(t)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "pondops",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "pondops_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "pondops",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "pondops_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsErrors(t *testing.T) {
	useTestMetrics(t)
	node, _ := snowflake.NewNode(1)

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	boom := errors.New("boom")
	err := s.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Params{Log: zap.NewNop()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBillingSkippedWhenPeriodAlreadyInvoiced(t *testing.T) {
	registry := useTestMetrics(t)
	env := newSchedulerEnv(t, time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC), Config{})
	billingtest.SeedAccount(t, env.db, billingtest.Account{ID: "acct-1", CustomerRef: billingtest.Str("cus_1"), Fee: "100"})
	billingtest.SeedInvoice(t, env.db, "inv-1", "acct-1", "2024-02-01", "2024-02-29", "paid", "in_1")

	for i := 0; i < 3; i++ {
		if err := env.sched.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}
	if got := env.billing.runCount(); got != 0 {
		t.Fatalf("expected no billing run, got %d", got)
	}
	labels := map[string]string{
		"service": "pondops",
		"env":     "test",
		"job":     JobMonthlyBilling,
		"reason":  obsmetrics.SchedulerDeferredReasonAlreadyRan,
	}
	if got := getCounterValue(t, registry, "pondops_scheduler_job_deferred_total", labels); got != 3 {
		t.Fatalf("expected 3 deferred ticks, got %v", got)
	}
}

func TestRunInProgressIsDeferredAndRetried(t *testing.T) {
	registry := useTestMetrics(t)
	env := newSchedulerEnv(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), Config{})
	env.billing.runErrs = []error{billingdomain.ErrRunInProgress}

	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("locked run should not fail the tick: %v", err)
	}
	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if got := env.billing.runCount(); got != 2 {
		t.Fatalf("expected the locked attempt and one retry, got %d", got)
	}
	labels := map[string]string{
		"service": "pondops",
		"env":     "test",
		"job":     JobMonthlyBilling,
		"reason":  obsmetrics.SchedulerDeferredReasonRunLocked,
	}
	if got := getCounterValue(t, registry, "pondops_scheduler_job_deferred_total", labels); got != 1 {
		t.Fatalf("expected 1 run_locked deferral, got %v", got)
	}
}

func TestSelectionFailureFailsTheTick(t *testing.T) {
	registry := useTestMetrics(t)
	env := newSchedulerEnv(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), Config{})
	env.billing.runErrs = []error{fmt.Errorf("%w: connection refused", billingdomain.ErrAccountSelection)}

	err := env.sched.RunOnce(context.Background())
	if !errors.Is(err, billingdomain.ErrAccountSelection) {
		t.Fatalf("expected account selection error, got %v", err)
	}
	labels := map[string]string{
		"service": "pondops",
		"env":     "test",
		"job":     JobMonthlyBilling,
		"reason":  obsmetrics.SchedulerJobReasonAccountSelection,
	}
	if got := getCounterValue(t, registry, "pondops_scheduler_job_errors_total", labels); got != 1 {
		t.Fatalf("expected 1 selection error, got %v", got)
	}

	// the next tick tries again
	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := env.billing.runCount(); got != 2 {
		t.Fatalf("expected retry after selection failure, got %d runs", got)
	}
}

func TestInterruptedRunIsResumed(t *testing.T) {
	useTestMetrics(t)
	env := newSchedulerEnv(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), Config{BillingTimeout: 20 * time.Millisecond})
	billingtest.SeedAccount(t, env.db, billingtest.Account{ID: "acct-1", CustomerRef: billingtest.Str("cus_1"), Fee: "100"})

	env.billing.onRun = func(ctx context.Context, call int) {
		if call != 1 {
			return
		}
		// one invoice lands, then the run is cut short
		billingtest.SeedInvoice(t, env.db, "inv-1", "acct-1", "2024-02-01", "2024-02-29", "paid", "in_1")
		<-ctx.Done()
	}

	for i := 0; i < 3; i++ {
		if err := env.sched.RunOnce(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if got := env.billing.runCount(); got != 2 {
		t.Fatalf("expected the interrupted run to be resumed once, got %d runs", got)
	}
}

func TestPartiallyInvoicedPeriodIsResumedByFreshProcess(t *testing.T) {
	useTestMetrics(t)
	// a previous process invoiced acct-1 and stopped before acct-2
	env := newSchedulerEnv(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), Config{RunDay: 1, RunHour: 8})
	billingtest.SeedAccount(t, env.db, billingtest.Account{ID: "acct-1", CustomerRef: billingtest.Str("cus_1"), Fee: "100"})
	billingtest.SeedAccount(t, env.db, billingtest.Account{ID: "acct-2", CustomerRef: billingtest.Str("cus_2"), Fee: "80"})
	billingtest.SeedInvoice(t, env.db, "inv-1", "acct-1", "2024-02-01", "2024-02-29", "paid", "in_1")

	for i := 0; i < 48; i++ {
		if err := env.sched.RunOnce(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		env.clock.Advance(time.Hour)
	}
	if got := env.billing.runCount(); got != 1 {
		t.Fatalf("expected one run to pick up acct-2, got %d", got)
	}
}

func TestIneligibleAccountDoesNotReopenPeriod(t *testing.T) {
	useTestMetrics(t)
	env := newSchedulerEnv(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), Config{RunDay: 1, RunHour: 8})
	billingtest.SeedAccount(t, env.db, billingtest.Account{ID: "acct-1", CustomerRef: billingtest.Str("cus_1"), Fee: "100"})
	billingtest.SeedAccount(t, env.db, billingtest.Account{ID: "acct-nocus", Fee: "60"})
	billingtest.SeedAccount(t, env.db, billingtest.Account{ID: "acct-off", CustomerRef: billingtest.Str("cus_off"), Fee: "60", Inactive: true})
	billingtest.SeedInvoice(t, env.db, "inv-1", "acct-1", "2024-02-01", "2024-02-29", "paid", "in_1")

	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := env.billing.runCount(); got != 0 {
		t.Fatalf("every billable account is invoiced, got %d runs", got)
	}
}

func TestEnabledJobsFilter(t *testing.T) {
	useTestMetrics(t)
	env := newSchedulerEnv(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), Config{EnabledJobs: []string{"reconcile_usage"}})

	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := env.billing.runCount(); got != 0 {
		t.Fatalf("monthly billing is disabled, got %d runs", got)
	}
	if got := env.billing.reconcileCount(); got != 1 {
		t.Fatalf("expected one reconcile call, got %d", got)
	}
}

func TestReconcileErrorIsReturned(t *testing.T) {
	useTestMetrics(t)
	env := newSchedulerEnv(t, time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), Config{})
	env.billing.reconcileErr = errors.New("db down")

	err := env.sched.RunOnce(context.Background())
	if err == nil || !errors.Is(err, env.billing.reconcileErr) {
		t.Fatalf("expected reconcile error, got %v", err)
	}
}

func useTestMetrics(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "pondops",
		Environment: "test",
	})
	return registry
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
