package repository

import (
	"context"
	"time"

	"github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/pkg/db"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListBillableAccounts(ctx context.Context, db *gorm.DB) ([]domain.BillableAccount, error) {
	var accounts []domain.BillableAccount
	err := db.WithContext(ctx).Raw(
		`SELECT sa.id, sa.stripe_customer_id, sa.monthly_service_fee, sa.is_subscription,
			sa.contact_name, sa.contact_email,
			p.full_name AS profile_name, p.email AS profile_email
		 FROM service_accounts sa
		 LEFT JOIN profiles p ON p.id = sa.customer_id
		 WHERE sa.active = true
		   AND sa.is_subscription = true
		   AND sa.stripe_customer_id IS NOT NULL
		 ORDER BY sa.id ASC`,
	).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *repo) FindInvoice(ctx context.Context, db *gorm.DB, accountID string, periodStart time.Time) (*domain.InvoiceRecord, error) {
	var items []domain.InvoiceRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, service_account_id, period_start, period_end, status, total_amount,
			stripe_invoice_id, sent_at, paid_at
		 FROM monthly_invoices
		 WHERE service_account_id = ? AND period_start = ?
		 LIMIT 1`,
		accountID,
		periodStart.Format(dateLayout),
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

type usageRow struct {
	ID           string
	AccountID    string `gorm:"column:service_account_id"`
	ProductID    string
	Quantity     int64
	Billed       bool
	ProductRef   *string             `gorm:"column:product_ref"`
	ProductName  *string             `gorm:"column:product_name"`
	ProductPrice decimal.NullDecimal `gorm:"column:product_price"`
}

func (r *repo) ListUnbilledUsage(ctx context.Context, db *gorm.DB, accountID string) ([]domain.UsageItem, error) {
	var rows []usageRow
	err := db.WithContext(ctx).Raw(
		`SELECT b.id, b.service_account_id, b.product_id, b.quantity, b.billed,
			p.id AS product_ref, p.name AS product_name, p.price AS product_price
		 FROM basket_items b
		 LEFT JOIN products p ON p.id = b.product_id
		 WHERE b.service_account_id = ? AND b.billed = false
		 ORDER BY b.id ASC`,
		accountID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	items := make([]domain.UsageItem, 0, len(rows))
	for _, row := range rows {
		item := domain.UsageItem{
			ID:        row.ID,
			AccountID: row.AccountID,
			ProductID: row.ProductID,
			Quantity:  row.Quantity,
			Billed:    row.Billed,
		}
		if row.ProductRef != nil && row.ProductPrice.Valid {
			product := &domain.Product{ID: *row.ProductRef, Price: row.ProductPrice.Decimal}
			if row.ProductName != nil {
				product.Name = *row.ProductName
			}
			item.Product = product
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *repo) InsertInvoice(ctx context.Context, tx *gorm.DB, invoice *domain.InvoiceRecord) error {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO monthly_invoices (
			id, service_account_id, period_start, period_end, status, total_amount,
			stripe_invoice_id, sent_at, paid_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.AccountID,
		invoice.PeriodStart.Format(dateLayout),
		invoice.PeriodEnd.Format(dateLayout),
		invoice.Status,
		invoice.TotalAmount,
		invoice.ExternalInvoiceRef,
		invoice.SentAt,
		invoice.PaidAt,
	).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrInvoiceExists
	}
	return err
}

func (r *repo) InsertLineItems(ctx context.Context, tx *gorm.DB, lines []domain.LineItemRecord) error {
	for _, line := range lines {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO invoice_line_items (
				id, invoice_id, description, amount, type, product_id, quantity, usage_item_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			line.ID,
			line.InvoiceID,
			line.Description,
			line.Amount,
			line.Type,
			line.ProductID,
			line.Quantity,
			line.UsageItemID,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) MarkUsageBilled(ctx context.Context, db *gorm.DB, usageItemIDs []string) (int64, error) {
	if len(usageItemIDs) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE basket_items SET billed = true WHERE id IN ? AND billed = false`,
		usageItemIDs,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) ListUnreconciledUsage(ctx context.Context, db *gorm.DB, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT b.id
		 FROM basket_items b
		 JOIN invoice_line_items li ON li.usage_item_id = b.id
		 WHERE b.billed = false
		 ORDER BY b.id ASC
		 LIMIT ?`,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

const dateLayout = "2006-01-02"
