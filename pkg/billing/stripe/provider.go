package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/billing/internal"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Ledger, URLs, callbacks)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// API replaces the stripe-go client. When nil, one is built from StripeAPIKey.
	API API

	// CustomerIDResolver is consulted before the Stripe Search API when a
	// user has no stored customer id (optional).
	CustomerIDResolver func(ctx context.Context, userID string) (string, error)
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	ledger        *gocredits.Ledger
	catalog       *gocredits.PlanCatalog
	api           API
	config        Config
	webhookSecret string
	rateLimiter   *internal.RateLimiter
	customers     singleflight.Group
	metrics       billing.Metrics
	logger        gocredits.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Ledger == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	// Setup metrics (optional)
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	logger := config.Logger
	if logger == nil {
		logger = &gocredits.NoopLogger{}
	}

	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(config.StripeAPIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(config.APIKey)
		}
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		api = NewAPI(apiKey, config.HTTPClient, metrics)
	}

	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(config.WebhookSecret)
	}

	limit := config.WebhookRateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	window := config.WebhookRateWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	return &Provider{
		ledger:        config.Ledger,
		catalog:       config.Ledger.Catalog(),
		api:           api,
		config:        config,
		webhookSecret: secret,
		rateLimiter:   internal.NewRateLimiter(limit, window),
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

// notify runs the OnReconciled callback for applied writes
func (p *Provider) notify(evt billing.ReconciliationEvent) {
	p.metrics.RecordPlanChange(providerName, string(evt.PreviousPlan), string(evt.NewPlan))
	if p.config.OnReconciled == nil {
		return
	}
	if err := p.config.OnReconciled(evt); err != nil {
		p.logger.Error("reconciliation callback failed",
			gocredits.Field{Key: "user_id", Value: evt.UserID},
			gocredits.Field{Key: "event_id", Value: evt.EventID},
			gocredits.ErrorField(err),
		)
	}
}

var _ billing.Provider = (*Provider)(nil)
