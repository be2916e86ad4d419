package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return gormDB, mock, mockDB
}

func sampleInvoice() *domain.InvoiceRecord {
	return &domain.InvoiceRecord{
		ID:                 uuid.New(),
		AccountID:          "acct-1",
		PeriodStart:        time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:          time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		Status:             domain.InvoiceStatusPendingCharge,
		TotalAmount:        decimal.NewFromInt(100),
		ExternalInvoiceRef: "in_1",
		SentAt:             time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestInsertInvoiceMapsUniqueViolation(t *testing.T) {
	db, mock, _ := newMockDB(t)
	mock.ExpectExec(`INSERT INTO monthly_invoices`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "ux_monthly_invoices_account_period"})

	err := Provide().InsertInvoice(context.Background(), db, sampleInvoice())
	require.ErrorIs(t, err, domain.ErrInvoiceExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertInvoicePassesOtherErrors(t *testing.T) {
	db, mock, _ := newMockDB(t)
	mock.ExpectExec(`INSERT INTO monthly_invoices`).
		WillReturnError(&pgconn.PgError{Code: "40P01"})

	err := Provide().InsertInvoice(context.Background(), db, sampleInvoice())
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrInvoiceExists))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBillableAccountsPropagatesQueryError(t *testing.T) {
	db, mock, _ := newMockDB(t)
	mock.ExpectQuery(`FROM service_accounts sa`).WillReturnError(sql.ErrConnDone)

	accounts, err := Provide().ListBillableAccounts(context.Background(), db)
	require.ErrorIs(t, err, sql.ErrConnDone)
	assert.Nil(t, accounts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkUsageBilledSkipsEmptyBatch(t *testing.T) {
	db, mock, _ := newMockDB(t)

	n, err := Provide().MarkUsageBilled(context.Background(), db, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkUsageBilledReportsRowsAffected(t *testing.T) {
	db, mock, _ := newMockDB(t)
	mock.ExpectExec(`UPDATE basket_items SET billed = true`).
		WithArgs("usage-1", "usage-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := Provide().MarkUsageBilled(context.Background(), db, []string{"usage-1", "usage-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
