package billingtest

// PostgresSchema is Schema with the column types of the hosted ledger.
const PostgresSchema = `
CREATE TABLE profiles (
	id TEXT PRIMARY KEY,
	full_name TEXT,
	email TEXT
);
CREATE TABLE service_accounts (
	id TEXT PRIMARY KEY,
	customer_id TEXT REFERENCES profiles (id),
	stripe_customer_id TEXT,
	monthly_service_fee NUMERIC(12, 2) NOT NULL DEFAULT 0,
	contact_name TEXT,
	contact_email TEXT,
	active BOOLEAN NOT NULL DEFAULT true,
	is_subscription BOOLEAN NOT NULL DEFAULT true
);
CREATE TABLE products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	price NUMERIC(12, 2) NOT NULL
);
CREATE TABLE basket_items (
	id TEXT PRIMARY KEY,
	service_account_id TEXT NOT NULL REFERENCES service_accounts (id),
	product_id TEXT REFERENCES products (id),
	quantity INTEGER NOT NULL DEFAULT 0,
	billed BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE monthly_invoices (
	id TEXT PRIMARY KEY,
	service_account_id TEXT NOT NULL REFERENCES service_accounts (id),
	period_start DATE NOT NULL,
	period_end DATE NOT NULL,
	status TEXT NOT NULL,
	total_amount NUMERIC(12, 2) NOT NULL,
	stripe_invoice_id TEXT,
	sent_at TIMESTAMPTZ,
	paid_at TIMESTAMPTZ,
	UNIQUE (service_account_id, period_start)
);
CREATE TABLE invoice_line_items (
	id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL REFERENCES monthly_invoices (id),
	description TEXT NOT NULL,
	amount NUMERIC(12, 2) NOT NULL,
	type TEXT NOT NULL,
	product_id TEXT,
	quantity INTEGER,
	usage_item_id TEXT
);
CREATE TABLE payment_events (
	id BIGINT PRIMARY KEY,
	provider TEXT NOT NULL,
	provider_event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	invoice_ref TEXT,
	customer_ref TEXT,
	payload JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	UNIQUE (provider, provider_event_id)
);
`
