package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var items []domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, invoice_ref, customer_ref,
			payload, received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_type, invoice_ref, customer_ref,
			payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.InvoiceRef,
		event.CustomerRef,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}

func (r *repo) FindInvoiceStatus(ctx context.Context, db *gorm.DB, invoiceRef string) (billingdomain.InvoiceStatus, error) {
	var statuses []string
	err := db.WithContext(ctx).Raw(
		`SELECT status
		 FROM monthly_invoices
		 WHERE stripe_invoice_id = ?
		 LIMIT 1`,
		invoiceRef,
	).Scan(&statuses).Error
	if err != nil {
		return "", err
	}
	if len(statuses) == 0 {
		return "", domain.ErrInvoiceNotFound
	}
	return billingdomain.InvoiceStatus(statuses[0]), nil
}

func (r *repo) TransitionInvoiceStatus(
	ctx context.Context,
	db *gorm.DB,
	invoiceRef string,
	to billingdomain.InvoiceStatus,
	paidAt *time.Time,
) (bool, error) {
	from := billingdomain.SourceStatuses(to)
	if len(from) == 0 {
		return false, domain.ErrInvalidTransition
	}

	query := `UPDATE monthly_invoices
		 SET status = ?
		 WHERE stripe_invoice_id = ? AND status IN ?`
	args := []any{to, invoiceRef, from}
	if paidAt != nil {
		query = `UPDATE monthly_invoices
		 SET status = ?, paid_at = ?
		 WHERE stripe_invoice_id = ? AND status IN ?`
		args = []any{to, *paidAt, invoiceRef, from}
	}

	res := db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindAccountByCustomerRef(ctx context.Context, db *gorm.DB, customerRef string) (*billingdomain.BillableAccount, error) {
	var accounts []billingdomain.BillableAccount
	err := db.WithContext(ctx).Raw(
		`SELECT sa.id, sa.stripe_customer_id, sa.monthly_service_fee, sa.is_subscription,
			sa.contact_name, sa.contact_email,
			p.full_name AS profile_name, p.email AS profile_email
		 FROM service_accounts sa
		 LEFT JOIN profiles p ON p.id = sa.customer_id
		 WHERE sa.stripe_customer_id = ?
		 ORDER BY sa.id ASC
		 LIMIT 1`,
		customerRef,
	).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, domain.ErrCustomerNotFound
	}
	return &accounts[0], nil
}
