package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OutcomeKind string

const (
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeSuccess OutcomeKind = "success"
	OutcomeError   OutcomeKind = "error"
)

const ReasonInvoiceExists = "Invoice already exists for this period"

// AccountOutcome is the result of billing one account for one period.
type AccountOutcome struct {
	Kind               OutcomeKind     `json:"kind"`
	Reason             string          `json:"reason,omitempty"`
	ExternalInvoiceRef string          `json:"external_invoice_ref,omitempty"`
	Total              decimal.Decimal `json:"total"`
	Status             InvoiceStatus   `json:"status,omitempty"`
	Error              string          `json:"error,omitempty"`
	ReconcileRequired  bool            `json:"reconcile_required,omitempty"`

	Err error `json:"-"`
}

func Skipped(reason string) AccountOutcome {
	return AccountOutcome{Kind: OutcomeSkipped, Reason: reason}
}

func Failed(err error) AccountOutcome {
	out := AccountOutcome{Kind: OutcomeError, Err: err}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

type ReportEntry struct {
	AccountID string         `json:"account_id"`
	Outcome   AccountOutcome `json:"outcome"`
}

// Report lists one entry per selected account, in selection order.
type Report struct {
	RunID      string        `json:"run_id,omitempty"`
	Period     BillingPeriod `json:"period"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Entries    []ReportEntry `json:"entries"`
}

type ReportSummary struct {
	Success int `json:"success"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
	Paid    int `json:"paid"`
	Failed  int `json:"failed"`
	Pending int `json:"pending_charge"`
}

func (r Report) Summary() ReportSummary {
	var s ReportSummary
	for _, e := range r.Entries {
		switch e.Outcome.Kind {
		case OutcomeSuccess:
			s.Success++
			switch e.Outcome.Status {
			case InvoiceStatusPaid:
				s.Paid++
			case InvoiceStatusFailed:
				s.Failed++
			case InvoiceStatusPendingCharge:
				s.Pending++
			}
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeError:
			s.Errors++
		}
	}
	return s
}
