package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func TestMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "invoice.paid", "success")
	m.RecordWebhookEvent("stripe", "invoice.paid", "success")
	m.RecordWebhookEvent("stripe", "charge.refunded", "ignored")
	m.RecordWebhookError("stripe", "auth_failed")
	m.RecordWebhookProcessingDuration("stripe", "invoice.paid", 20*time.Millisecond)

	if got := testutil.ToFloat64(m.webhookEventsTotal.WithLabelValues("stripe", "invoice.paid", "success")); got != 2 {
		t.Errorf("success events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("stripe", "auth_failed")); got != 1 {
		t.Errorf("auth errors = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.webhookProcessingDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestMetrics_ReconciliationCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordPlanChange("stripe", "FREE", "PRO")
	m.RecordConfirmation("stripe", "complete")
	m.RecordAPICall("stripe", "/v1/customers", "success")
	m.RecordAPICallDuration("stripe", "/v1/customers", time.Millisecond)

	if got := testutil.ToFloat64(m.planChangesTotal.WithLabelValues("stripe", "FREE", "PRO")); got != 1 {
		t.Errorf("plan changes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.confirmationsTotal.WithLabelValues("stripe", "complete")); got != 1 {
		t.Errorf("confirmations = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) != 4 {
		t.Errorf("expected 4 metric families, got %d", len(families))
	}
}
