package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the ledger store surface the billing engine consumes.
type Repository interface {
	ListBillableAccounts(ctx context.Context, db *gorm.DB) ([]BillableAccount, error)
	FindInvoice(ctx context.Context, db *gorm.DB, accountID string, periodStart time.Time) (*InvoiceRecord, error)
	ListUnbilledUsage(ctx context.Context, db *gorm.DB, accountID string) ([]UsageItem, error)
	// InsertInvoice maps a duplicate (account, period_start) to ErrInvoiceExists.
	InsertInvoice(ctx context.Context, db *gorm.DB, invoice *InvoiceRecord) error
	InsertLineItems(ctx context.Context, db *gorm.DB, lines []LineItemRecord) error
	MarkUsageBilled(ctx context.Context, db *gorm.DB, usageItemIDs []string) (int64, error)
	// ListUnreconciledUsage returns unbilled usage items already referenced
	// by a persisted invoice line.
	ListUnreconciledUsage(ctx context.Context, db *gorm.DB, limit int) ([]string, error)
}
