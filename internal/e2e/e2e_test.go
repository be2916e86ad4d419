package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/paccoastponds/pondops/internal/billing"
	"github.com/paccoastponds/pondops/internal/billing/billingtest"
	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/internal/clock"
	"github.com/paccoastponds/pondops/internal/config"
	"github.com/paccoastponds/pondops/internal/notification"
	"github.com/paccoastponds/pondops/internal/payment"
	"github.com/paccoastponds/pondops/internal/providers/email"
	"github.com/paccoastponds/pondops/internal/runlock"
	"github.com/paccoastponds/pondops/internal/server"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_e2e"

type testEnv struct {
	app        *fx.App
	db         *gorm.DB
	billing    billingdomain.Service
	dispatcher *notification.Dispatcher
	mail       *capturingProvider
	stripe     *fakeStripe
	baseURL    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithDB(t, billingtest.OpenLedger(t))
}

func newTestEnvWithDB(t *testing.T, db *gorm.DB) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stripeAPI := newFakeStripe(t)
	mail := &capturingProvider{}
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))

	cfg := config.Config{
		Environment: "test",
		Stripe: config.StripeConfig{
			SecretKey:     "sk_test_e2e",
			WebhookSecret: webhookSecret,
			Currency:      "usd",
			APIURL:        stripeAPI.srv.URL,
		},
	}

	env := &testEnv{db: db, mail: mail, stripe: stripeAPI}
	var srv *server.Server
	env.app = fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Supply(config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())),
		fx.Provide(
			func() *gorm.DB { return db },
			func() *zap.Logger { return zap.NewNop() },
			func() clock.Clock { return clk },
			func() email.Provider { return mail },
			func() (*snowflake.Node, error) { return snowflake.NewNode(7) },
			func() *gin.Engine {
				r := gin.New()
				r.Use(server.ErrorHandlingMiddleware())
				return r
			},
			server.NewServer,
		),
		runlock.Module,
		notification.Module,
		payment.Module,
		billing.Module,
		fx.Populate(&env.billing, &env.dispatcher, &srv),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.app.Start(ctx); err != nil {
		t.Fatalf("start app: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Engine())
	env.baseURL = httpSrv.URL

	t.Cleanup(func() {
		httpSrv.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = env.app.Stop(stopCtx)
	})
	return env
}

func (e *testEnv) seedLedger(t *testing.T) {
	t.Helper()
	billingtest.SeedProduct(t, e.db, "prod-filter", "Pond Filter", "25")
	billingtest.SeedAccount(t, e.db, billingtest.Account{
		ID:           "acct-a",
		CustomerRef:  billingtest.Str("cus_ok"),
		Fee:          "50",
		ProfileID:    "profile-a",
		ProfileName:  billingtest.Str("Avery Koi"),
		ProfileEmail: billingtest.Str("avery@example.com"),
	})
	billingtest.SeedUsage(t, e.db, "usage-1", "acct-a", "prod-filter", 2)
	billingtest.SeedAccount(t, e.db, billingtest.Account{
		ID:           "acct-b",
		CustomerRef:  billingtest.Str("cus_decline"),
		Fee:          "80",
		ProfileID:    "profile-b",
		ProfileName:  billingtest.Str("Blair Lily"),
		ProfileEmail: billingtest.Str("blair@example.com"),
	})
	// no payment customer yet, never selected
	billingtest.SeedAccount(t, e.db, billingtest.Account{ID: "acct-c", Fee: "60"})
}

func (e *testEnv) postWebhook(t *testing.T, eventID, eventType, invoiceID, customerID string) (int, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2020-08-27",
		"data": map[string]any{
			"object": map[string]any{
				"id":       invoiceID,
				"object":   "invoice",
				"customer": customerID,
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	signature := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	req, err := http.NewRequest(http.MethodPost, e.baseURL+"/payments/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signature)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, body
}

func (e *testEnv) invoiceStatus(t *testing.T, stripeInvoiceID string) string {
	t.Helper()
	var status string
	if err := e.db.Raw(`SELECT status FROM monthly_invoices WHERE stripe_invoice_id = ?`, stripeInvoiceID).Scan(&status).Error; err != nil {
		t.Fatalf("load status: %v", err)
	}
	return status
}

func TestE2E_MonthlyRunThenWebhooks(t *testing.T) {
	env := newTestEnv(t)
	env.seedLedger(t)
	assertMonthlyRunThenWebhooks(t, env)
}

func assertMonthlyRunThenWebhooks(t *testing.T, env *testEnv) {
	t.Helper()

	report, err := env.billing.RunMonthlyBilling(context.Background())
	if err != nil {
		t.Fatalf("run monthly billing: %v", err)
	}
	if report.Period.Key() != "2024-02-01" {
		t.Fatalf("expected February 2024 period, got %s", report.Period.Key())
	}
	if len(report.Entries) != 2 {
		t.Fatalf("expected 2 report entries, got %d", len(report.Entries))
	}

	outcomes := map[string]billingdomain.AccountOutcome{}
	for _, entry := range report.Entries {
		outcomes[entry.AccountID] = entry.Outcome
	}

	okOutcome := outcomes["acct-a"]
	if okOutcome.Kind != billingdomain.OutcomeSuccess || okOutcome.Status != billingdomain.InvoiceStatusPendingCharge {
		t.Fatalf("unexpected outcome for acct-a: %+v", okOutcome)
	}
	if okOutcome.Total.String() != "100" {
		t.Fatalf("expected total 100, got %s", okOutcome.Total)
	}
	declined := outcomes["acct-b"]
	if declined.Kind != billingdomain.OutcomeSuccess || declined.Status != billingdomain.InvoiceStatusFailed {
		t.Fatalf("unexpected outcome for acct-b: %+v", declined)
	}

	okInvoice := okOutcome.ExternalInvoiceRef
	if got := env.stripe.itemAmounts(okInvoice); got != 10000 {
		t.Fatalf("expected 10000 cents on %s, got %d", okInvoice, got)
	}
	if !env.stripe.finalized(okInvoice) || !env.stripe.finalized(declined.ExternalInvoiceRef) {
		t.Fatal("expected both remote invoices finalized")
	}

	if n := billingtest.Count(t, env.db, `SELECT COUNT(*) FROM invoice_line_items`); n != 3 {
		t.Fatalf("expected 3 line items, got %d", n)
	}
	if n := billingtest.Count(t, env.db, `SELECT COUNT(*) FROM basket_items WHERE billed = false`); n != 0 {
		t.Fatalf("expected usage consumed, %d unbilled", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.dispatcher.Flush(ctx); err != nil {
		t.Fatalf("flush notifications: %v", err)
	}
	sent := env.mail.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 failure email, got %d", len(sent))
	}
	if sent[0].to[0] != "blair@example.com" || !strings.HasPrefix(sent[0].subject, "Action Required: Payment failed for") {
		t.Fatalf("unexpected failure email: %+v", sent[0])
	}

	code, body := env.postWebhook(t, "evt_paid", "invoice.paid", okInvoice, "cus_ok")
	if code != http.StatusOK || body["applied"] != true {
		t.Fatalf("expected applied webhook, got %d %v", code, body)
	}
	if status := env.invoiceStatus(t, okInvoice); status != "paid" {
		t.Fatalf("expected paid, got %s", status)
	}

	code, body = env.postWebhook(t, "evt_paid", "invoice.paid", okInvoice, "cus_ok")
	if code != http.StatusOK || body["duplicate"] != true {
		t.Fatalf("expected duplicate ack, got %d %v", code, body)
	}

	// a late failure cannot undo the payment
	code, body = env.postWebhook(t, "evt_late_fail", "invoice.payment_failed", okInvoice, "cus_ok")
	if code != http.StatusOK || body["applied"] != false {
		t.Fatalf("expected rejected transition ack, got %d %v", code, body)
	}
	if status := env.invoiceStatus(t, okInvoice); status != "paid" {
		t.Fatalf("expected invoice to stay paid, got %s", status)
	}

	// already failed; the charge-time email is not repeated
	code, _ = env.postWebhook(t, "evt_fail", "invoice.payment_failed", declined.ExternalInvoiceRef, "cus_decline")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if err := env.dispatcher.Flush(ctx); err != nil {
		t.Fatalf("flush notifications: %v", err)
	}
	if n := len(env.mail.messages()); n != 1 {
		t.Fatalf("expected no extra email, got %d total", n)
	}
}

func TestE2E_RerunSkipsInvoicedAccounts(t *testing.T) {
	env := newTestEnv(t)
	env.seedLedger(t)

	if _, err := env.billing.RunMonthlyBilling(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	callsAfterFirst := env.stripe.callCount()

	report, err := env.billing.RunMonthlyBilling(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	summary := report.Summary()
	if summary.Skipped != 2 || summary.Success != 0 || summary.Errors != 0 {
		t.Fatalf("expected 2 skipped, got %+v", summary)
	}
	if env.stripe.callCount() != callsAfterFirst {
		t.Fatal("expected no Stripe calls on rerun")
	}
	if n := billingtest.Count(t, env.db, `SELECT COUNT(*) FROM monthly_invoices`); n != 2 {
		t.Fatalf("expected 2 invoices, got %d", n)
	}
}

func TestE2E_HealthAndUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(env.baseURL + "/invoices")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

type sentMail struct {
	to      []string
	subject string
}

type capturingProvider struct {
	mu   sync.Mutex
	sent []sentMail
}

func (p *capturingProvider) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMail{to: to, subject: subject})
	return nil
}

func (p *capturingProvider) messages() []sentMail {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMail(nil), p.sent...)
}

// fakeStripe answers the invoice endpoints the processor calls. Customer
// cus_decline has its card declined on pay.
type fakeStripe struct {
	srv *httptest.Server

	mu        sync.Mutex
	calls     int
	next      int
	customers map[string]string
	amounts   map[string]int64
	final     map[string]bool
}

func newFakeStripe(t *testing.T) *fakeStripe {
	t.Helper()
	f := &fakeStripe{
		customers: map[string]string{},
		amounts:   map[string]int64{},
		final:     map[string]bool{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeStripe) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	parts := strings.Split(path, "/")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case path == "invoices":
		f.next++
		id := fmt.Sprintf("in_e2e_%d", f.next)
		f.customers[id] = r.PostForm.Get("customer")
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "object": "invoice", "status": "draft"})
	case path == "invoiceitems":
		amount, _ := strconv.ParseInt(r.PostForm.Get("amount"), 10, 64)
		f.amounts[r.PostForm.Get("invoice")] += amount
		writeJSON(w, http.StatusOK, map[string]any{"id": fmt.Sprintf("ii_e2e_%d", f.calls), "object": "invoiceitem"})
	case len(parts) == 3 && parts[0] == "invoices" && parts[2] == "finalize":
		f.final[parts[1]] = true
		writeJSON(w, http.StatusOK, map[string]any{"id": parts[1], "object": "invoice", "status": "open"})
	case len(parts) == 3 && parts[0] == "invoices" && parts[2] == "pay":
		if f.customers[parts[1]] == "cus_decline" {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": map[string]any{
				"type":         "card_error",
				"code":         "card_declined",
				"decline_code": "insufficient_funds",
				"message":      "Your card has insufficient funds.",
			}})
			return
		}
		// settles asynchronously; the webhook reports the outcome
		writeJSON(w, http.StatusOK, map[string]any{"id": parts[1], "object": "invoice", "status": "open"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{
			"type":    "invalid_request_error",
			"message": "unexpected path " + r.URL.Path,
		}})
	}
}

func (f *fakeStripe) itemAmounts(invoiceID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.amounts[invoiceID]
}

func (f *fakeStripe) finalized(invoiceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final[invoiceID]
}

func (f *fakeStripe) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
