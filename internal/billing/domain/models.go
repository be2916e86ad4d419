// Package domain holds the types of the monthly recurring billing engine.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of a monthly invoice record.
type InvoiceStatus string

const (
	InvoiceStatusPendingCharge InvoiceStatus = "pending_charge"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusFailed        InvoiceStatus = "failed"
)

// CanTransition reports whether an invoice may move from one status to
// another. paid is terminal; failed may still become paid when the
// customer retries.
func CanTransition(from, to InvoiceStatus) bool {
	switch from {
	case InvoiceStatusPendingCharge:
		return to == InvoiceStatusPaid || to == InvoiceStatusFailed
	case InvoiceStatusFailed:
		return to == InvoiceStatusPaid
	default:
		return false
	}
}

// SourceStatuses lists the statuses from which to is reachable.
func SourceStatuses(to InvoiceStatus) []InvoiceStatus {
	var out []InvoiceStatus
	for _, from := range []InvoiceStatus{InvoiceStatusPendingCharge, InvoiceStatusPaid, InvoiceStatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type LineItemType string

const (
	LineItemTypeService LineItemType = "service"
	LineItemTypeProduct LineItemType = "product"
)

// BillableAccount is a service account joined with its customer profile.
type BillableAccount struct {
	ID                 string          `json:"id" gorm:"column:id"`
	PaymentCustomerRef *string         `json:"payment_customer_ref" gorm:"column:stripe_customer_id"`
	MonthlyServiceFee  decimal.Decimal `json:"monthly_service_fee" gorm:"column:monthly_service_fee"`
	SubscriptionActive bool            `json:"subscription_active" gorm:"column:is_subscription"`
	ContactName        *string         `json:"contact_name" gorm:"column:contact_name"`
	ContactEmail       *string         `json:"contact_email" gorm:"column:contact_email"`
	ProfileName        *string         `json:"profile_name" gorm:"column:profile_name"`
	ProfileEmail       *string         `json:"profile_email" gorm:"column:profile_email"`
}

const defaultRecipientName = "Valued Customer"

// NotificationEmail prefers the linked profile over the stored contact.
func (a BillableAccount) NotificationEmail() string {
	if v := trimmed(a.ProfileEmail); v != "" {
		return v
	}
	return trimmed(a.ContactEmail)
}

func (a BillableAccount) DisplayName() string {
	if v := trimmed(a.ProfileName); v != "" {
		return v
	}
	if v := trimmed(a.ContactName); v != "" {
		return v
	}
	return defaultRecipientName
}

type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// UsageItem is a purchased product waiting for the next invoice.
// Product is nil when the referenced product no longer resolves.
type UsageItem struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	ProductID string   `json:"product_id"`
	Quantity  int64    `json:"quantity"`
	Billed    bool     `json:"billed"`
	Product   *Product `json:"product,omitempty"`
}

// BillingPeriod is the calendar month being invoiced. End is inclusive.
type BillingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label"`
}

const dateLayout = "2006-01-02"

func (p BillingPeriod) StartDate() string { return p.Start.Format(dateLayout) }
func (p BillingPeriod) EndDate() string   { return p.End.Format(dateLayout) }

// Key identifies the period for run locks and idempotency keys.
func (p BillingPeriod) Key() string { return p.StartDate() }

// LineItem is a computed invoice line before persistence.
type LineItem struct {
	Type        LineItemType
	Description string
	Amount      decimal.Decimal
	ProductID   *string
	Quantity    *int64
	UsageItemID *string
}

var minorUnitFactor = decimal.NewFromInt(100)

// MinorUnits converts the line amount to cents, rounding half away from zero.
func (l LineItem) MinorUnits() int64 {
	return l.Amount.Mul(minorUnitFactor).Round(0).IntPart()
}

type InvoiceRecord struct {
	ID                 uuid.UUID       `json:"id" gorm:"column:id"`
	AccountID          string          `json:"service_account_id" gorm:"column:service_account_id"`
	PeriodStart        time.Time       `json:"period_start" gorm:"column:period_start"`
	PeriodEnd          time.Time       `json:"period_end" gorm:"column:period_end"`
	Status             InvoiceStatus   `json:"status" gorm:"column:status"`
	TotalAmount        decimal.Decimal `json:"total_amount" gorm:"column:total_amount"`
	ExternalInvoiceRef string          `json:"stripe_invoice_id" gorm:"column:stripe_invoice_id"`
	SentAt             time.Time       `json:"sent_at" gorm:"column:sent_at"`
	PaidAt             *time.Time      `json:"paid_at" gorm:"column:paid_at"`
}

func (InvoiceRecord) TableName() string { return "monthly_invoices" }

type LineItemRecord struct {
	ID          uuid.UUID       `json:"id" gorm:"column:id"`
	InvoiceID   uuid.UUID       `json:"invoice_id" gorm:"column:invoice_id"`
	Description string          `json:"description" gorm:"column:description"`
	Amount      decimal.Decimal `json:"amount" gorm:"column:amount"`
	Type        LineItemType    `json:"type" gorm:"column:type"`
	ProductID   *string         `json:"product_id" gorm:"column:product_id"`
	Quantity    *int64          `json:"quantity" gorm:"column:quantity"`
	UsageItemID *string         `json:"usage_item_id" gorm:"column:usage_item_id"`
}

func (LineItemRecord) TableName() string { return "invoice_line_items" }

func trimmed(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
