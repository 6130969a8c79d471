package stripe

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

func TestWebhookHandler_SignatureGate(t *testing.T) {
	payload := eventPayload(t, "evt_gate", eventCheckoutCompleted, checkoutPayload("cs_1", "sub_1", gocredits.PlanBasic))

	tests := []struct {
		name     string
		noSecret bool
		request  func() *http.Request
		want     int
	}{
		{
			name: "valid signature",
			request: func() *http.Request {
				return signedRequest(t, payload)
			},
			want: http.StatusOK,
		},
		{
			name: "method not allowed",
			request: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/webhooks/billing", nil)
			},
			want: http.StatusMethodNotAllowed,
		},
		{
			name: "missing signature",
			request: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(payload))
			},
			want: http.StatusBadRequest,
		},
		{
			name: "wrong secret",
			request: func() *http.Request {
				signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
					Payload:   payload,
					Secret:    "whsec_other",
					Timestamp: time.Now(),
				})
				req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(payload))
				req.Header.Set("Stripe-Signature", signed.Header)
				return req
			},
			want: http.StatusBadRequest,
		},
		{
			name: "tampered body",
			request: func() *http.Request {
				req := signedRequest(t, payload)
				tampered := bytes.Replace(payload, []byte("BASIC"), []byte("PRO"), 1)
				req.Body = io.NopCloser(bytes.NewReader(tampered))
				return req
			},
			want: http.StatusBadRequest,
		},
		{
			name: "payload too large",
			request: func() *http.Request {
				big := bytes.Repeat([]byte("a"), maxWebhookBodyBytes+1)
				return signedRequest(t, big)
			},
			want: http.StatusRequestEntityTooLarge,
		},
		{
			name:     "no secret configured",
			noSecret: true,
			request: func() *http.Request {
				return signedRequest(t, payload)
			},
			want: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.noSecret {
				env.provider.webhookSecret = ""
			}
			rec := httptest.NewRecorder()
			env.provider.WebhookHandler().ServeHTTP(rec, tt.request())
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
			if rec.Code != http.StatusOK && env.user(t).Plan != gocredits.PlanFree {
				t.Error("Rejected delivery must not change the ledger")
			}
		})
	}
}

func TestWebhook_CheckoutCompleted_AppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	obj := checkoutPayload("cs_1", "sub_1", gocredits.PlanBasic)

	for i := 0; i < 3; i++ {
		if rec := env.deliver(t, "evt_1", eventCheckoutCompleted, obj); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status %d", i, rec.Code)
		}
	}
	// Same session redelivered under a new event id
	if rec := env.deliver(t, "evt_2", eventCheckoutCompleted, obj); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	user := env.user(t)
	if user.Plan != gocredits.PlanBasic || user.Credits != 11000 {
		t.Errorf("got %s/%d, want BASIC/11000", user.Plan, user.Credits)
	}
	if user.SubscriptionID != "sub_1" {
		t.Errorf("Expected subscription sub_1, got %q", user.SubscriptionID)
	}
	if user.CustomerID != testCustomerID {
		t.Errorf("Expected customer %s to be attached, got %q", testCustomerID, user.CustomerID)
	}

	events := env.reconciled()
	if len(events) != 1 {
		t.Fatalf("Expected 1 reconciliation callback, got %d", len(events))
	}
	if events[0].Granted != gocredits.DefaultBasicCredits || events[0].EventID != "evt_1" ||
		events[0].Source != gocredits.SourceObjectMetadata {
		t.Errorf("unexpected callback event: %+v", events[0])
	}
}

func TestWebhook_CheckoutAndInvoice_AnyOrder(t *testing.T) {
	invoice := map[string]any{
		"id":       "in_1",
		"object":   "invoice",
		"customer": testCustomerID,
		"parent": map[string]any{
			"subscription_details": map[string]any{
				"subscription": "sub_1",
				"metadata":     map[string]string{metaUserID: testUserID, metaPlan: "BASIC"},
			},
		},
	}
	checkout := checkoutPayload("cs_1", "sub_1", gocredits.PlanBasic)

	orders := map[string][]struct {
		eventType string
		object    any
	}{
		"checkout first": {{eventCheckoutCompleted, checkout}, {eventInvoicePaid, invoice}},
		"invoice first":  {{eventInvoicePaid, invoice}, {eventCheckoutCompleted, checkout}},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			for i, d := range order {
				if rec := env.deliver(t, "evt_"+d.eventType, d.eventType, d.object); rec.Code != http.StatusOK {
					t.Fatalf("delivery %d: status %d", i, rec.Code)
				}
			}
			user := env.user(t)
			if user.Plan != gocredits.PlanBasic || user.Credits != 11000 {
				t.Errorf("got %s/%d, want BASIC/11000", user.Plan, user.Credits)
			}
			if n := len(env.reconciled()); n != 1 {
				t.Errorf("Expected 1 applied write, got %d", n)
			}
		})
	}
}

func TestWebhook_InvoicePaid_SessionLookup(t *testing.T) {
	env := newTestEnv(t)
	env.api.latestBySub["sub_9"] = &Session{
		ID:       "cs_9",
		Mode:     "subscription",
		Metadata: map[string]string{"userId": testUserID, metaPlan: "PRO"},
	}

	// Legacy layout with an expanded subscription object and no metadata
	invoice := map[string]any{
		"id":           "in_9",
		"object":       "invoice",
		"customer":     map[string]any{"id": testCustomerID},
		"subscription": map[string]any{"id": "sub_9", "object": "subscription"},
	}
	if rec := env.deliver(t, "evt_9", eventInvoicePaid, invoice); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	user := env.user(t)
	if user.Plan != gocredits.PlanPro || user.Credits != 21000 || user.SubscriptionID != "sub_9" {
		t.Errorf("got %s/%d/%s, want PRO/21000/sub_9", user.Plan, user.Credits, user.SubscriptionID)
	}
	events := env.reconciled()
	if len(events) != 1 || events[0].Source != gocredits.SourceSessionMetadata {
		t.Errorf("Expected one session_metadata reconciliation, got %+v", events)
	}
}

func TestWebhook_SubscriptionUpdated_CustomerLookup(t *testing.T) {
	env := newTestEnv(t)
	// Tagged on the Stripe customer only; the ledger does not know it yet.
	env.api.customers[testCustomerID] = &Customer{ID: testCustomerID, Metadata: map[string]string{metaUserID: testUserID}}

	obj := subscriptionPayload("sub_5", "active", testPriceIDPro, nil)
	if rec := env.deliver(t, "evt_5", eventSubscriptionUpdated, obj); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	user := env.user(t)
	if user.Plan != gocredits.PlanPro || user.Credits != 21000 {
		t.Errorf("got %s/%d, want PRO/21000", user.Plan, user.Credits)
	}
	if user.CustomerID != testCustomerID {
		t.Errorf("Expected customer index backfilled, got %q", user.CustomerID)
	}
	events := env.reconciled()
	if len(events) != 1 || events[0].Source != gocredits.SourcePriceMapping {
		t.Errorf("Expected one price_mapping reconciliation, got %+v", events)
	}
}

func TestWebhook_AcknowledgedWithoutWrite(t *testing.T) {
	unpaid := checkoutPayload("cs_u", "sub_u", gocredits.PlanBasic)
	unpaid["payment_status"] = "unpaid"
	payment := checkoutPayload("cs_p", "", gocredits.PlanBasic)
	payment["mode"] = "payment"

	tests := []struct {
		name      string
		eventType string
		object    any
	}{
		{"unknown event type", "customer.created", map[string]any{"id": "cus_1"}},
		{"unpaid checkout", eventCheckoutCompleted, unpaid},
		{"payment mode checkout", eventCheckoutCompleted, payment},
		{"one-off invoice", eventInvoicePaid, map[string]any{"id": "in_1", "customer": testCustomerID}},
		{"past due subscription", eventSubscriptionUpdated, subscriptionPayload("sub_1", "past_due", testPriceIDPro,
			map[string]string{metaUserID: testUserID})},
		{"unresolvable subscription", eventSubscriptionUpdated, map[string]any{
			"id": "sub_x", "status": "active", "customer": "cus_unknown",
		}},
		{"unknown user in metadata", eventCheckoutCompleted, map[string]any{
			"id": "cs_x", "mode": "subscription", "payment_status": "paid", "subscription": "sub_x",
			"metadata": map[string]string{metaUserID: "ghost", metaPlan: "PRO"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if rec := env.deliver(t, "evt_"+tt.name, tt.eventType, tt.object); rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", rec.Code)
			}
			user := env.user(t)
			if user.Plan != gocredits.PlanFree || user.Credits != gocredits.DefaultSignupCredits {
				t.Errorf("ledger changed: %s/%d", user.Plan, user.Credits)
			}
			if len(env.reconciled()) != 0 {
				t.Error("Expected no reconciliation callback")
			}
		})
	}
}

func TestWebhook_DowngradeRejected(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, "evt_pro", eventCheckoutCompleted, checkoutPayload("cs_1", "sub_1", gocredits.PlanPro))

	obj := subscriptionPayload("sub_1", "active", testPriceIDBasic, map[string]string{metaUserID: testUserID})
	if rec := env.deliver(t, "evt_down", eventSubscriptionUpdated, obj); rec.Code != http.StatusOK {
		t.Fatalf("Expected rejected transition to be acknowledged, got %d", rec.Code)
	}
	user := env.user(t)
	if user.Plan != gocredits.PlanPro || user.Credits != 21000 {
		t.Errorf("got %s/%d, want PRO/21000", user.Plan, user.Credits)
	}
}

func TestWebhook_UpgradeThenStaleCancel(t *testing.T) {
	env := newTestEnv(t)
	basic := checkoutPayload("cs_1", "sub_1", gocredits.PlanBasic)
	pro := checkoutPayload("cs_2", "sub_2", gocredits.PlanPro)
	env.deliver(t, "evt_basic", eventCheckoutCompleted, basic)
	env.deliver(t, "evt_pro", eventCheckoutCompleted, pro)

	// The original BASIC checkout redelivered after the upgrade
	if rec := env.deliver(t, "evt_basic", eventCheckoutCompleted, basic); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if user := env.user(t); user.Plan != gocredits.PlanPro || user.Credits != 31000 {
		t.Errorf("after BASIC redelivery got %s/%d, want PRO/31000", user.Plan, user.Credits)
	}

	// The BASIC subscription cancelled during the upgrade
	old := subscriptionPayload("sub_1", "canceled", testPriceIDBasic, map[string]string{metaUserID: testUserID})
	if rec := env.deliver(t, "evt_del_1", eventSubscriptionDeleted, old); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	user := env.user(t)
	if user.Plan != gocredits.PlanPro || user.Credits != 31000 || user.SubscriptionID != "sub_2" {
		t.Errorf("got %s/%d/%s, want PRO/31000/sub_2", user.Plan, user.Credits, user.SubscriptionID)
	}

	current := subscriptionPayload("sub_2", "canceled", testPriceIDPro, map[string]string{metaUserID: testUserID})
	if rec := env.deliver(t, "evt_del_2", eventSubscriptionDeleted, current); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	user = env.user(t)
	if user.Plan != gocredits.PlanFree || user.SubscriptionID != "" {
		t.Errorf("got %s/%q, want FREE with no subscription", user.Plan, user.SubscriptionID)
	}
	if user.Credits != 31000 {
		t.Errorf("Expected credits kept on cancel, got %d", user.Credits)
	}

	// Redeliveries after the cancellation must neither grant nor revive a subscription.
	applied := len(env.reconciled())
	for _, redelivery := range []struct {
		id     string
		object map[string]any
	}{
		{"evt_pro", pro},
		{"evt_basic", basic},
	} {
		if rec := env.deliver(t, redelivery.id, eventCheckoutCompleted, redelivery.object); rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", redelivery.id, rec.Code)
		}
		user = env.user(t)
		if user.Plan != gocredits.PlanFree || user.Credits != 31000 || user.SubscriptionID != "" {
			t.Errorf("after %s redelivery got %s/%d/%q, want FREE/31000 without subscription",
				redelivery.id, user.Plan, user.Credits, user.SubscriptionID)
		}
	}
	if n := len(env.reconciled()); n != applied {
		t.Errorf("Expected no further applied writes, got %d new", n-applied)
	}
}

func TestWebhook_TransientFailureReturns500(t *testing.T) {
	env := newTestEnv(t)
	env.api.err = errors.Join(billing.ErrProviderAPIError, errors.New("connection reset"))

	invoice := map[string]any{"id": "in_1", "customer": testCustomerID, "subscription": "sub_1"}
	rec := env.deliver(t, "evt_1", eventInvoicePaid, invoice)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500 so Stripe retries, got %d", rec.Code)
	}

	// Retry after recovery succeeds
	env.api.err = nil
	env.api.latestBySub["sub_1"] = &Session{ID: "cs_1", Metadata: map[string]string{metaUserID: testUserID, metaPlan: "BASIC"}}
	if rec := env.deliver(t, "evt_1", eventInvoicePaid, invoice); rec.Code != http.StatusOK {
		t.Fatalf("retry status %d", rec.Code)
	}
	if env.user(t).Credits != 11000 {
		t.Errorf("Expected 11000 after retry, got %d", env.user(t).Credits)
	}
}

func TestWebhook_MalformedObject(t *testing.T) {
	env := newTestEnv(t)
	obj := checkoutPayload("cs_1", "sub_1", gocredits.PlanBasic)
	obj["subscription"] = 42

	rec := env.deliver(t, "evt_bad", eventCheckoutCompleted, obj)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 so Stripe stops redelivering, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), resultInvalid) {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if user := env.user(t); user.Plan != gocredits.PlanFree || user.Credits != gocredits.DefaultSignupCredits {
		t.Errorf("ledger changed: %s/%d", user.Plan, user.Credits)
	}
}

func TestInvoiceObject_SubscriptionID(t *testing.T) {
	tests := []struct {
		name string
		inv  invoiceObject
		want string
	}{
		{"none", invoiceObject{}, ""},
		{"legacy", invoiceObject{Subscription: billing.Ref{ID: "sub_a"}}, "sub_a"},
		{"parent", invoiceObject{Parent: &struct {
			SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
		}{SubscriptionDetails: &subscriptionDetails{Subscription: billing.Ref{ID: "sub_b"}}}}, "sub_b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.inv.subscriptionID(); got != tt.want {
				t.Errorf("subscriptionID() = %q, want %q", got, tt.want)
			}
		})
	}
}
