package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Ledger is the gocredits Ledger every reconciliation writes through
	Ledger *gocredits.Ledger

	// WebhookSecret is used to verify incoming webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// SuccessURL is where checkout redirects after payment. The provider
	// appends plan and session parameters.
	SuccessURL string

	// CancelURL is where checkout redirects when the user aborts.
	CancelURL string

	// PortalReturnURL is where the billing portal sends the user back.
	PortalReturnURL string

	// WebhookRateLimit caps webhook requests per client IP per WebhookRateWindow
	// (default: 100 per minute).
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// OnReconciled is called after a webhook or confirmation changed the ledger.
	// It runs synchronously; errors are logged and never fail the delivery.
	OnReconciled func(ReconciliationEvent) error

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: gocredits.NoopLogger)
	Logger gocredits.Logger
}
