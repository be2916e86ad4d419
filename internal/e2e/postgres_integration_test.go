//go:build integration

package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/paccoastponds/pondops/internal/billing/billingtest"
	pkgdb "github.com/paccoastponds/pondops/pkg/db"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openPostgresLedger(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pondops_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	billingtest.ApplySchema(t, db, billingtest.PostgresSchema)
	return db
}

func TestE2E_Postgres_MonthlyRunThenWebhooks(t *testing.T) {
	env := newTestEnvWithDB(t, openPostgresLedger(t))
	env.seedLedger(t)
	assertMonthlyRunThenWebhooks(t, env)
}

func TestE2E_Postgres_InvoicedAccountIsSkipped(t *testing.T) {
	env := newTestEnvWithDB(t, openPostgresLedger(t))
	env.seedLedger(t)
	billingtest.SeedInvoice(t, env.db, "inv-other", "acct-a", "2024-02-01", "2024-02-29", "pending_charge", "in_other")

	report, err := env.billing.RunMonthlyBilling(context.Background())
	require.NoError(t, err)
	summary := report.Summary()
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, summary.Success)
	require.Equal(t, int64(2), billingtest.Count(t, env.db, `SELECT COUNT(*) FROM monthly_invoices`))
}

func TestE2E_Postgres_PeriodUniquenessIsDuplicateKey(t *testing.T) {
	db := openPostgresLedger(t)
	billingtest.SeedAccount(t, db, billingtest.Account{ID: "acct-a", CustomerRef: billingtest.Str("cus_ok"), Fee: "50"})
	billingtest.SeedInvoice(t, db, "inv-1", "acct-a", "2024-02-01", "2024-02-29", "paid", "in_1")

	err := db.Exec(
		`INSERT INTO monthly_invoices (id, service_account_id, period_start, period_end, status, total_amount)
		 VALUES ('inv-2', 'acct-a', '2024-02-01', '2024-02-29', 'pending_charge', 0)`,
	).Error
	require.Error(t, err)
	require.True(t, pkgdb.IsDuplicateKeyErr(err), "expected unique violation, got %v", err)
}
