package stripe

import (
	"errors"
	"net/http"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

func TestProvider_NewProvider_InvalidConfig(t *testing.T) {
	env := newTestEnv(t)

	if _, err := NewProvider(Config{}); !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured without ledger, got %v", err)
	}
	if _, err := NewProvider(Config{Config: billing.Config{Ledger: env.ledger}}); !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured without API key, got %v", err)
	}

	p, err := NewProvider(Config{
		Config:       billing.Config{Ledger: env.ledger, WebhookSecret: " whsec_generic "},
		StripeAPIKey: "sk_test_1234567890",
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Name() != providerName {
		t.Errorf("Expected name %q, got %q", providerName, p.Name())
	}
	if p.webhookSecret != "whsec_generic" {
		t.Errorf("Expected fallback webhook secret, got %q", p.webhookSecret)
	}
	if p.catalog != env.ledger.Catalog() {
		t.Error("Provider must share the ledger's catalog")
	}
}

func TestIntentFromMetadata(t *testing.T) {
	tests := []struct {
		name   string
		md     map[string]string
		want   gocredits.Intent
		wantOK bool
	}{
		{name: "nil", md: nil},
		{name: "no user", md: map[string]string{metaPlan: "PRO"}},
		{
			name: "current keys",
			md: map[string]string{
				metaUserID: "u1", metaPlan: "basic", metaCredits: "10000",
				metaPreviousPlan: "FREE", metaPreviousCredits: "700",
			},
			want:   gocredits.Intent{UserID: "u1", Plan: gocredits.PlanBasic, CreditGrant: 10000, PreviousPlan: gocredits.PlanFree, PreviousCredits: 700},
			wantOK: true,
		},
		{
			name: "legacy keys",
			md: map[string]string{
				"userId": "u2", metaPlan: "PRO", metaCredits: "20000",
				"currentPlan": "BASIC", "currentCredits": "9000",
			},
			want:   gocredits.Intent{UserID: "u2", Plan: gocredits.PlanPro, CreditGrant: 20000, PreviousPlan: gocredits.PlanBasic, PreviousCredits: 9000},
			wantOK: true,
		},
		{
			name:   "garbage plan and credits",
			md:     map[string]string{metaUserID: "u3", metaPlan: "gold", metaCredits: "lots"},
			want:   gocredits.Intent{UserID: "u3"},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := intentFromMetadata(tt.md)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProvider_PlanForPrices(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		prices []string
		want   gocredits.Plan
		ok     bool
	}{
		{nil, "", false},
		{[]string{"price_unknown"}, "", false},
		{[]string{testPriceIDBasic}, gocredits.PlanBasic, true},
		{[]string{testPriceIDBasic, testPriceIDPro}, gocredits.PlanPro, true},
		{[]string{testPriceIDPro, testPriceIDBasic}, gocredits.PlanPro, true},
	}
	for _, tt := range tests {
		got, ok := env.provider.planForPrices(tt.prices)
		if got != tt.want || ok != tt.ok {
			t.Errorf("planForPrices(%v) = %s, %v; want %s, %v", tt.prices, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsBreakerSuccess(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"not found", &stripe.Error{HTTPStatusCode: http.StatusNotFound}, true},
		{"bad request", &stripe.Error{HTTPStatusCode: http.StatusBadRequest}, true},
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, false},
		{"server error", &stripe.Error{HTTPStatusCode: http.StatusBadGateway}, false},
		{"transport", errors.New("dial tcp: timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isBreakerSuccess(tt.err); got != tt.want {
				t.Errorf("isBreakerSuccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreakerReadyToTrip(t *testing.T) {
	tests := []struct {
		failures uint32
		want     bool
	}{
		{0, false},
		{4, false},
		{5, true},
		{6, true},
	}
	for _, tt := range tests {
		if got := breakerReadyToTrip(gobreaker.Counts{ConsecutiveFailures: tt.failures}); got != tt.want {
			t.Errorf("breakerReadyToTrip(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
