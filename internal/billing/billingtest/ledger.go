// Package billingtest provides an in-memory ledger store for package tests.
package billingtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Schema mirrors the production tables the billing engine touches. Money
// columns are TEXT so decimals round-trip exactly.
const Schema = `
CREATE TABLE profiles (
	id TEXT PRIMARY KEY,
	full_name TEXT,
	email TEXT
);
CREATE TABLE service_accounts (
	id TEXT PRIMARY KEY,
	customer_id TEXT,
	stripe_customer_id TEXT,
	monthly_service_fee TEXT NOT NULL DEFAULT '0',
	contact_name TEXT,
	contact_email TEXT,
	active BOOLEAN NOT NULL DEFAULT true,
	is_subscription BOOLEAN NOT NULL DEFAULT true
);
CREATE TABLE products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	price TEXT NOT NULL
);
CREATE TABLE basket_items (
	id TEXT PRIMARY KEY,
	service_account_id TEXT NOT NULL,
	product_id TEXT,
	quantity INTEGER NOT NULL DEFAULT 0,
	billed BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE monthly_invoices (
	id TEXT PRIMARY KEY,
	service_account_id TEXT NOT NULL,
	period_start DATE NOT NULL,
	period_end DATE NOT NULL,
	status TEXT NOT NULL,
	total_amount TEXT NOT NULL,
	stripe_invoice_id TEXT,
	sent_at DATETIME,
	paid_at DATETIME,
	UNIQUE (service_account_id, period_start)
);
CREATE TABLE invoice_line_items (
	id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL,
	description TEXT NOT NULL,
	amount TEXT NOT NULL,
	type TEXT NOT NULL,
	product_id TEXT,
	quantity INTEGER,
	usage_item_id TEXT
);
CREATE TABLE payment_events (
	id INTEGER PRIMARY KEY,
	provider TEXT NOT NULL,
	provider_event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	invoice_ref TEXT,
	customer_ref TEXT,
	payload TEXT NOT NULL,
	received_at DATETIME NOT NULL,
	processed_at DATETIME,
	UNIQUE (provider, provider_event_id)
);
`

// OpenLedger returns a fresh in-memory database with Schema applied.
func OpenLedger(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ApplySchema(t, db, Schema)
	return db
}

// ApplySchema runs each statement of a semicolon separated DDL script.
func ApplySchema(t testing.TB, db *gorm.DB, schema string) {
	t.Helper()
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
}

type Account struct {
	ID           string
	CustomerRef  *string
	Fee          string
	Inactive     bool
	OneOff       bool
	ContactName  *string
	ContactEmail *string
	ProfileID    string
	ProfileName  *string
	ProfileEmail *string
}

func SeedAccount(t testing.TB, db *gorm.DB, a Account) {
	t.Helper()

	fee := a.Fee
	if fee == "" {
		fee = "0"
	}
	var customerID *string
	if a.ProfileID != "" {
		customerID = &a.ProfileID
		if err := db.Exec(
			`INSERT INTO profiles (id, full_name, email) VALUES (?, ?, ?)`,
			a.ProfileID, a.ProfileName, a.ProfileEmail,
		).Error; err != nil {
			t.Fatalf("seed profile: %v", err)
		}
	}
	if err := db.Exec(
		`INSERT INTO service_accounts (
			id, customer_id, stripe_customer_id, monthly_service_fee,
			contact_name, contact_email, active, is_subscription
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, customerID, a.CustomerRef, fee,
		a.ContactName, a.ContactEmail, !a.Inactive, !a.OneOff,
	).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func SeedProduct(t testing.TB, db *gorm.DB, id, name, price string) {
	t.Helper()
	if err := db.Exec(`INSERT INTO products (id, name, price) VALUES (?, ?, ?)`, id, name, price).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
}

// SeedUsage inserts an unbilled basket item. An empty productID stores NULL.
func SeedUsage(t testing.TB, db *gorm.DB, id, accountID, productID string, quantity int64) {
	t.Helper()
	var product *string
	if productID != "" {
		product = &productID
	}
	if err := db.Exec(
		`INSERT INTO basket_items (id, service_account_id, product_id, quantity, billed) VALUES (?, ?, ?, ?, false)`,
		id, accountID, product, quantity,
	).Error; err != nil {
		t.Fatalf("seed usage: %v", err)
	}
}

func SeedInvoice(t testing.TB, db *gorm.DB, id, accountID, periodStart, periodEnd, status, stripeInvoiceID string) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO monthly_invoices (
			id, service_account_id, period_start, period_end, status, total_amount, stripe_invoice_id, sent_at
		) VALUES (?, ?, ?, ?, ?, '0', ?, ?)`,
		id, accountID, periodStart, periodEnd, status, stripeInvoiceID, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
}

func Count(t testing.TB, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.Raw(query, args...).Scan(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func Str(v string) *string { return &v }
