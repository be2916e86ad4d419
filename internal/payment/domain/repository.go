package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"gorm.io/gorm"
)

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	// InsertEvent reports false when the event was already received.
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	FindInvoiceStatus(ctx context.Context, db *gorm.DB, invoiceRef string) (billingdomain.InvoiceStatus, error)
	// TransitionInvoiceStatus moves the invoice to status only from one of
	// its allowed source statuses and reports whether a row changed.
	TransitionInvoiceStatus(ctx context.Context, db *gorm.DB, invoiceRef string, to billingdomain.InvoiceStatus, paidAt *time.Time) (bool, error)
	FindAccountByCustomerRef(ctx context.Context, db *gorm.DB, customerRef string) (*billingdomain.BillableAccount, error)
}
