package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Provider is the interface a billing backend implements for the HTTP API.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies and reconciles
	// provider notifications.
	WebhookHandler() http.Handler

	// CreateCheckout opens a subscription checkout for plan.
	// Returns gocredits.ErrInvalidPlan, gocredits.ErrAlreadyOnPlan or
	// gocredits.ErrUnsupportedTransition for requests that must not reach the provider.
	CreateCheckout(ctx context.Context, userID string, plan gocredits.Plan) (*CheckoutResult, error)

	// ConfirmCheckout polls a checkout session and reconciles it if paid.
	ConfirmCheckout(ctx context.Context, userID, sessionID string) (*Confirmation, error)

	// CreatePortal opens a self-service billing portal session.
	CreatePortal(ctx context.Context, userID string) (string, error)
}

// CheckoutResult is returned by CreateCheckout
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Confirmation is returned by ConfirmCheckout
type Confirmation struct {
	// Status is the provider payment status of the session (e.g. "paid", "unpaid")
	Status string `json:"status"`
	// Success reports that the session is paid and the ledger reflects it
	Success bool `json:"success"`
}
