package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/paccoastponds/pondops/internal/observability"
	paymentdomain "github.com/paccoastponds/pondops/internal/payment/domain"
)

type fakeWebhookService struct {
	payload   []byte
	signature string
	result    *paymentdomain.TransitionResult
	err       error
}

func (f *fakeWebhookService) HandleStripeEvent(ctx context.Context, payload []byte, signatureHeader string) (*paymentdomain.TransitionResult, error) {
	_ = ctx
	f.payload = payload
	f.signature = signatureHeader
	return f.result, f.err
}

func newTestServer(t *testing.T, webhookSvc paymentdomain.WebhookService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := NewEngine(observability.Config{Environment: "test"})
	srv := NewServer(ServerParams{Gin: engine, WebhookSvc: webhookSvc})
	return srv.Engine()
}

func postWebhook(engine *gin.Engine, body string, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments/webhooks/stripe", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestStripeWebhookPassesPayloadAndSignature(t *testing.T) {
	svc := &fakeWebhookService{result: &paymentdomain.TransitionResult{
		InvoiceRef: "in_1", From: "pending_charge", To: "paid", Applied: true,
	}}
	engine := newTestServer(t, svc)

	rec := postWebhook(engine, `{"id":"evt_1"}`, "t=1,v1=abc")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if string(svc.payload) != `{"id":"evt_1"}` {
		t.Fatalf("payload not passed through: %q", svc.payload)
	}
	if svc.signature != "t=1,v1=abc" {
		t.Fatalf("signature not passed through: %q", svc.signature)
	}
	body := decodeBody(t, rec)
	if body["received"] != true || body["applied"] != true || body["status"] != "paid" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStripeWebhookStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		result   *paymentdomain.TransitionResult
		err      error
		wantCode int
		wantType string
	}{
		{name: "ignored event", wantCode: http.StatusOK},
		{name: "duplicate", err: paymentdomain.ErrEventAlreadyProcessed, wantCode: http.StatusOK},
		{name: "bad signature", err: paymentdomain.ErrInvalidSignature, wantCode: http.StatusBadRequest, wantType: "invalid_signature"},
		{name: "bad payload", err: paymentdomain.ErrInvalidPayload, wantCode: http.StatusBadRequest, wantType: "validation_error"},
		{name: "invoice not stored yet", err: paymentdomain.ErrInvoiceNotRecorded, wantCode: http.StatusConflict, wantType: "invoice_not_recorded"},
		{name: "not configured", err: paymentdomain.ErrProcessorNotConfigured, wantCode: http.StatusServiceUnavailable, wantType: "service_unavailable"},
		{name: "store failure", err: errors.New("connection reset"), wantCode: http.StatusInternalServerError, wantType: "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestServer(t, &fakeWebhookService{result: tt.result, err: tt.err})
			rec := postWebhook(engine, `{}`, "t=1,v1=abc")
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if tt.wantType == "" {
				if body["received"] != true {
					t.Fatalf("expected acknowledgement, got %v", body)
				}
				return
			}
			errBody, ok := body["error"].(map[string]any)
			if !ok || errBody["type"] != tt.wantType {
				t.Fatalf("expected error type %s, got %v", tt.wantType, body)
			}
		})
	}
}

func TestHealthWithoutDatabase(t *testing.T) {
	engine := newTestServer(t, &fakeWebhookService{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	engine := newTestServer(t, &fakeWebhookService{})
	req := httptest.NewRequest(http.MethodGet, "/payments/webhooks/adyen", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStripeWebhookRejectsOversizedBody(t *testing.T) {
	svc := &fakeWebhookService{}
	engine := newTestServer(t, svc)

	rec := postWebhook(engine, strings.Repeat("x", maxWebhookBodyBytes+1), "t=1,v1=abc")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.payload != nil {
		t.Fatal("oversized body must not reach the webhook service")
	}
}
