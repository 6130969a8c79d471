package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// Session is a checkout session reduced to the fields reconciliation reads
type Session struct {
	ID                string
	URL               string
	Mode              string
	Status            string
	PaymentStatus     string
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
	Metadata          map[string]string
	Created           int64
}

// Subscription is a subscription reduced to the fields reconciliation reads
type Subscription struct {
	ID         string
	CustomerID string
	Status     string
	PriceIDs   []string
	Metadata   map[string]string
}

// Customer is a provider customer
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// CheckoutParams describes a subscription checkout session to create
type CheckoutParams struct {
	CustomerID           string
	PriceID              string
	SuccessURL           string
	CancelURL            string
	ClientReferenceID    string
	Metadata             map[string]string
	SubscriptionMetadata map[string]string
}

// API is the subset of the Stripe API the provider uses. Implementations
// normalize SDK objects into the types above so that no caller sees an
// expandable object-or-id field.
type API interface {
	// CreateCustomer creates a customer tagged with user_id metadata.
	// The idempotency key makes retries within the provider's window return the same customer.
	CreateCustomer(ctx context.Context, userID, email, idempotencyKey string) (string, error)

	// SearchCustomer finds a customer by user_id metadata.
	// Returns billing.ErrCustomerNotFound if none matches.
	SearchCustomer(ctx context.Context, userID string) (string, error)

	// RetrieveCustomer fetches a customer by id
	RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error)

	// CreateCheckoutSession creates a subscription-mode checkout session
	CreateCheckoutSession(ctx context.Context, params *CheckoutParams) (*Session, error)

	// RetrieveCheckoutSession fetches a session.
	// Returns billing.ErrSessionNotFound for unknown ids.
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*Session, error)

	// LatestCheckoutSession returns the newest session that created the
	// subscription, nil if there is none.
	LatestCheckoutSession(ctx context.Context, subscriptionID string) (*Session, error)

	// CancelSubscription cancels a subscription immediately
	CancelSubscription(ctx context.Context, subscriptionID string) error

	// CreatePortalSession opens a billing portal session and returns its URL
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// sdkClient implements API over stripe-go
type sdkClient struct {
	sc      *stripe.Client
	breaker *gobreaker.CircuitBreaker[any]
	metrics billing.Metrics
}

// NewAPI creates the stripe-go backed API. Calls go through a circuit breaker
// that opens after 5 consecutive transport or 5xx failures.
func NewAPI(apiKey string, httpClient *http.Client, metrics billing.Metrics) API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	return &sdkClient{
		sc: stripe.NewClient(apiKey, stripe.WithBackends(backends)),
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:         "stripe-api",
			MaxRequests:  1,
			Interval:     60 * time.Second,
			Timeout:      30 * time.Second,
			ReadyToTrip:  breakerReadyToTrip,
			IsSuccessful: isBreakerSuccess,
		}),
		metrics: metrics,
	}
}

// breakerTripFailures is the consecutive failure count that opens the breaker
const breakerTripFailures = 5

func breakerReadyToTrip(counts gobreaker.Counts) bool {
	return counts.ConsecutiveFailures >= breakerTripFailures
}

// isBreakerSuccess keeps client errors from tripping the breaker: a 404 or a
// validation error means Stripe is up.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests
	}
	return false
}

func isResourceMissing(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound
	}
	return false
}

// call runs fn through the breaker and records API metrics
func call[T any](c *sdkClient, endpoint string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := c.breaker.Execute(func() (any, error) {
		return fn()
	})
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))

	var zero T
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.RecordAPICall(providerName, endpoint, "circuit_open")
		} else {
			c.metrics.RecordAPICall(providerName, endpoint, "error")
		}
		return zero, err
	}
	c.metrics.RecordAPICall(providerName, endpoint, "success")

	out, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return out, nil
}

func apiError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, op, err)
}

func (c *sdkClient) CreateCustomer(ctx context.Context, userID, email, idempotencyKey string) (string, error) {
	params := &stripe.CustomerCreateParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metaUserID, userID)
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	cust, err := call(c, "/v1/customers", func() (*stripe.Customer, error) {
		return c.sc.V1Customers.Create(ctx, params)
	})
	if err != nil {
		return "", apiError("create customer", err)
	}
	return cust.ID, nil
}

func (c *sdkClient) SearchCustomer(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metaUserID, userID)

	id, err := call(c, "/v1/customers/search", func() (string, error) {
		for cust, err := range c.sc.V1Customers.Search(ctx, params) {
			if err != nil {
				return "", err
			}
			// Search can return partial matches
			if cust.Metadata != nil && cust.Metadata[metaUserID] == userID {
				return cust.ID, nil
			}
		}
		return "", nil
	})
	if err != nil {
		return "", apiError("search customer", err)
	}
	if id == "" {
		return "", billing.ErrCustomerNotFound
	}
	return id, nil
}

func (c *sdkClient) RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error) {
	cust, err := call(c, "/v1/customers/{id}", func() (*stripe.Customer, error) {
		return c.sc.V1Customers.Retrieve(ctx, customerID, nil)
	})
	if err != nil {
		if isResourceMissing(err) {
			return nil, fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, customerID)
		}
		return nil, apiError("retrieve customer", err)
	}
	return &Customer{ID: cust.ID, Email: cust.Email, Metadata: cust.Metadata}, nil
}

func (c *sdkClient) CreateCheckoutSession(ctx context.Context, p *CheckoutParams) (*Session, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(p.ClientReferenceID)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	for k, v := range p.SubscriptionMetadata {
		params.SubscriptionData.AddMetadata(k, v)
	}

	session, err := call(c, "/v1/checkout/sessions", func() (*stripe.CheckoutSession, error) {
		return c.sc.V1CheckoutSessions.Create(ctx, params)
	})
	if err != nil {
		return nil, apiError("create checkout session", err)
	}
	return sessionFromStripe(session), nil
}

func (c *sdkClient) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := call(c, "/v1/checkout/sessions/{id}", func() (*stripe.CheckoutSession, error) {
		return c.sc.V1CheckoutSessions.Retrieve(ctx, sessionID, nil)
	})
	if err != nil {
		if isResourceMissing(err) {
			return nil, fmt.Errorf("%w: %s", billing.ErrSessionNotFound, sessionID)
		}
		return nil, apiError("retrieve checkout session", err)
	}
	return sessionFromStripe(session), nil
}

func (c *sdkClient) LatestCheckoutSession(ctx context.Context, subscriptionID string) (*Session, error) {
	params := &stripe.CheckoutSessionListParams{
		Subscription: stripe.String(subscriptionID),
	}
	params.Limit = stripe.Int64(1)

	session, err := call(c, "/v1/checkout/sessions", func() (*stripe.CheckoutSession, error) {
		// Results are newest first; only the first page item is needed.
		for s, err := range c.sc.V1CheckoutSessions.List(ctx, params) {
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, apiError("list checkout sessions", err)
	}
	if session == nil {
		return nil, nil
	}
	return sessionFromStripe(session), nil
}

func (c *sdkClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := call(c, "/v1/subscriptions/{id}/cancel", func() (*stripe.Subscription, error) {
		return c.sc.V1Subscriptions.Cancel(ctx, subscriptionID, nil)
	})
	if err != nil {
		// Already gone: nothing left to cancel.
		if isResourceMissing(err) {
			return nil
		}
		return apiError("cancel subscription", err)
	}
	return nil
}

func (c *sdkClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	session, err := call(c, "/v1/billing_portal/sessions", func() (*stripe.BillingPortalSession, error) {
		return c.sc.V1BillingPortalSessions.Create(ctx, params)
	})
	if err != nil {
		return "", apiError("create portal session", err)
	}
	return session.URL, nil
}

func sessionFromStripe(s *stripe.CheckoutSession) *Session {
	out := &Session{
		ID:                s.ID,
		URL:               s.URL,
		Mode:              string(s.Mode),
		Status:            string(s.Status),
		PaymentStatus:     string(s.PaymentStatus),
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          s.Metadata,
		Created:           s.Created,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	return out
}
