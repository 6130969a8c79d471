package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/storage/memory"
)

const (
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "test-user-123"
	testCustomerID          = "cus_test_123"
	testPriceIDBasic        = "price_basic_monthly"
	testPriceIDPro          = "price_pro_monthly"
)

// fakeAPI is an in-memory API
type fakeAPI struct {
	mu sync.Mutex

	sessions        map[string]*Session
	latestBySub     map[string]*Session
	customers       map[string]*Customer
	searchResult    string
	err             error
	created         []*CheckoutParams
	cancelled       []string
	customerCreates int
	nextID          int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		sessions:    make(map[string]*Session),
		latestBySub: make(map[string]*Session),
		customers:   make(map[string]*Customer),
	}
}

func (f *fakeAPI) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *fakeAPI) CreateCustomer(_ context.Context, userID, email, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.customerCreates++
	id := f.id("cus")
	f.customers[id] = &Customer{ID: id, Email: email, Metadata: map[string]string{metaUserID: userID}}
	return id, nil
}

func (f *fakeAPI) SearchCustomer(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchResult == "" {
		return "", billing.ErrCustomerNotFound
	}
	return f.searchResult, nil
}

func (f *fakeAPI) RetrieveCustomer(_ context.Context, customerID string) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[customerID]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return c, nil
}

func (f *fakeAPI) CreateCheckoutSession(_ context.Context, params *CheckoutParams) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, params)
	id := f.id("cs")
	s := &Session{
		ID:                id,
		URL:               "https://checkout.stripe.com/c/pay/" + id,
		Mode:              "subscription",
		Status:            "open",
		PaymentStatus:     "unpaid",
		ClientReferenceID: params.ClientReferenceID,
		CustomerID:        params.CustomerID,
		Metadata:          params.Metadata,
	}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeAPI) RetrieveCheckoutSession(_ context.Context, sessionID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, billing.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeAPI) LatestCheckoutSession(_ context.Context, subscriptionID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.latestBySub[subscriptionID], nil
}

func (f *fakeAPI) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, subscriptionID)
	return nil
}

func (f *fakeAPI) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "https://billing.stripe.com/p/session/" + customerID, nil
}

// paySession marks a created session as completed and paid
func (f *fakeAPI) paySession(sessionID, subscriptionID string) *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[sessionID]
	s.Status = "complete"
	s.PaymentStatus = "paid"
	s.SubscriptionID = subscriptionID
	f.latestBySub[subscriptionID] = s
	return s
}

type testEnv struct {
	provider *Provider
	ledger   *gocredits.Ledger
	api      *fakeAPI

	mu     sync.Mutex
	events []billing.ReconciliationEvent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	catalog, err := gocredits.NewPlanCatalog(map[gocredits.Plan]gocredits.PlanConfig{
		gocredits.PlanBasic: {Credits: gocredits.DefaultBasicCredits, PriceID: testPriceIDBasic},
		gocredits.PlanPro:   {Credits: gocredits.DefaultProCredits, PriceID: testPriceIDPro},
	})
	if err != nil {
		t.Fatalf("NewPlanCatalog failed: %v", err)
	}
	ledger, err := gocredits.NewLedger(memory.New(), gocredits.Config{Catalog: catalog})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	env := &testEnv{ledger: ledger, api: newFakeAPI()}
	env.provider, err = NewProvider(Config{
		Config: billing.Config{
			Ledger:          ledger,
			SuccessURL:      "https://app.example.com/billing",
			CancelURL:       "https://app.example.com/pricing",
			PortalReturnURL: "https://app.example.com/account",
			OnReconciled: func(evt billing.ReconciliationEvent) error {
				env.mu.Lock()
				env.events = append(env.events, evt)
				env.mu.Unlock()
				return nil
			},
		},
		StripeWebhookSecret: testStripeWebhookSecret,
		API:                 env.api,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	if _, err := ledger.Register(context.Background(), testUserID, "test@example.com"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return env
}

func (e *testEnv) reconciled() []billing.ReconciliationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]billing.ReconciliationEvent(nil), e.events...)
}

func (e *testEnv) user(t *testing.T) *gocredits.User {
	t.Helper()
	u, err := e.ledger.User(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("User failed: %v", err)
	}
	return u
}

// eventPayload builds a Stripe event envelope around object
func eventPayload(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func signedRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testStripeWebhookSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

// deliver sends a signed event to the webhook handler
func (e *testEnv) deliver(t *testing.T, id, eventType string, object any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.provider.WebhookHandler().ServeHTTP(rec, signedRequest(t, eventPayload(t, id, eventType, object)))
	return rec
}

func checkoutPayload(sessionID, subscriptionID string, plan gocredits.Plan) map[string]any {
	return map[string]any{
		"id":                  sessionID,
		"object":              "checkout.session",
		"mode":                "subscription",
		"status":              "complete",
		"payment_status":      "paid",
		"client_reference_id": testUserID,
		"customer":            testCustomerID,
		"subscription":        subscriptionID,
		"metadata": map[string]string{
			metaUserID:  testUserID,
			metaPlan:    string(plan),
			metaCredits: "0",
		},
	}
}

func subscriptionPayload(subscriptionID, status, priceID string, metadata map[string]string) map[string]any {
	return map[string]any{
		"id":       subscriptionID,
		"object":   "subscription",
		"status":   status,
		"customer": map[string]any{"id": testCustomerID, "object": "customer"},
		"metadata": metadata,
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"price": map[string]any{"id": priceID}},
			},
		},
	}
}
