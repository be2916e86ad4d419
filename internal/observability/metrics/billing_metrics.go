package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const (
	RunResultSuccess          = "success"
	RunResultSelectionFailure = "selection_failed"
	RunResultLocked           = "locked"

	NotificationResultSent    = "sent"
	NotificationResultSkipped = "skipped"
	NotificationResultFailed  = "failed"
	NotificationResultDropped = "dropped"
)

// BillingMetrics captures monthly billing run signals.
type BillingMetrics struct {
	runs          *prometheus.CounterVec
	runDuration   prometheus.Observer
	accounts      *prometheus.CounterVec
	billedAmount  *prometheus.CounterVec
	notifications *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	reconciled    prometheus.Counter
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the billing metrics singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "pondops_billing_run_duration_seconds",
		Help:        "Wall time of a monthly billing run.",
		Buckets:     []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		ConstLabels: labels,
	})
	reconciled := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "pondops_billing_usage_reconciled_total",
		Help:        "Usage items marked billed by the reconciliation job.",
		ConstLabels: labels,
	})
	m := &BillingMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pondops_billing_runs_total",
			Help:        "Monthly billing runs by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		runDuration: runDuration,
		accounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pondops_billing_accounts_total",
			Help:        "Per-account billing outcomes by kind and invoice status.",
			ConstLabels: labels,
		}, []string{"outcome", "status"}),
		billedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pondops_billing_invoiced_amount_total",
			Help:        "Invoiced amount in major currency units by invoice status.",
			ConstLabels: labels,
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pondops_billing_notifications_total",
			Help:        "Customer notifications by kind and result.",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pondops_invoice_status_transitions_total",
			Help:        "Invoice status writes from payment webhooks.",
			ConstLabels: labels,
		}, []string{"from", "to", "result"}),
		reconciled: reconciled,
	}

	registerer.MustRegister(
		m.runs,
		runDuration,
		m.accounts,
		m.billedAmount,
		m.notifications,
		m.transitions,
		reconciled,
	)
	return m
}

func (m *BillingMetrics) ObserveRun(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
	if result == RunResultSuccess {
		m.runDuration.Observe(duration.Seconds())
	}
}

// IncAccountOutcome counts one account result. status is empty for
// skipped and error outcomes.
func (m *BillingMetrics) IncAccountOutcome(outcome, status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "none"
	}
	m.accounts.WithLabelValues(outcome, status).Inc()
}

func (m *BillingMetrics) AddInvoicedAmount(status string, amount decimal.Decimal) {
	if m == nil || !amount.IsPositive() {
		return
	}
	m.billedAmount.WithLabelValues(status).Add(amount.InexactFloat64())
}

func (m *BillingMetrics) IncNotification(kind, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

func (m *BillingMetrics) IncStatusTransition(from, to, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, result).Inc()
}

func (m *BillingMetrics) AddReconciled(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.reconciled.Add(float64(count))
}
