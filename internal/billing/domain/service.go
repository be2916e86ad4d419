package domain

import "context"

type Service interface {
	SelectAccounts(ctx context.Context) ([]BillableAccount, error)
	BillAccount(ctx context.Context, account BillableAccount, period BillingPeriod) AccountOutcome
	RunMonthlyBilling(ctx context.Context) (Report, error)
	ReconcileUsage(ctx context.Context, limit int) (int64, error)
}

// FailureNotifier tells a customer their charge failed. Implementations must
// not block on delivery; the return value only reports whether a send was
// queued.
type FailureNotifier interface {
	NotifyChargeFailed(ctx context.Context, account BillableAccount, period BillingPeriod) bool
	Flush(ctx context.Context) error
}

// RunLock keeps two processes from billing the same period at once.
type RunLock interface {
	TryLock(ctx context.Context, key string) (token string, acquired bool, err error)
	Release(ctx context.Context, key, token string) error
}
