package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("account_id", "acct_1"),
		attribute.String("email", "someone@example.com"),
		attribute.String("result", "ok"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "account_id" || attr.Key == "email" {
			t.Fatalf("unexpected attribute %q retained", attr.Key)
		}
	}
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "pondops"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RecordPaymentEvent(ctx, "stripe", "invoice.paid", "applied")
	m.RecordProcessorCall(ctx, "pay_invoice", time.Millisecond, errors.New("declined"))
	m.RecordNotification(ctx, "charge_failed", "sent")

	var nilMetrics *Metrics
	nilMetrics.RecordNotification(ctx, "charge_failed", "sent")
}

func TestNewExporterRejectsUnknownProtocol(t *testing.T) {
	if _, err := newExporter("carrier-pigeon", ""); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}
