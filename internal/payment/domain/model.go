package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is the insert-once receipt of a processor webhook delivery.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	InvoiceRef      string         `json:"invoice_ref" gorm:"column:invoice_ref;type:text"`
	CustomerRef     string         `json:"customer_ref" gorm:"column:customer_ref;type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const ProviderStripe = "stripe"

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
)

// PaymentEvent is the canonical invoice payment event parsed by adapters.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	// ProviderEventType is the processor's own name, e.g. invoice.paid.
	ProviderEventType string
	Type              string
	InvoiceRef        string
	CustomerRef       string
	// AccountRef is the service account named in the invoice metadata. It is
	// set only on invoices created by the monthly run.
	AccountRef string
	AmountPaid int64
	Currency   string
	OccurredAt time.Time
	RawPayload []byte
}

// TransitionResult describes what a webhook did to the stored invoice.
type TransitionResult struct {
	InvoiceRef string
	From       string
	To         string
	Applied    bool
}
