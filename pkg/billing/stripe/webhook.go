package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/billing/internal"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Handled event types
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventInvoicePaid         = "invoice.paid"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// webhook delivery results, used as the metrics status label
const (
	resultSuccess    = "success"
	resultIgnored    = "ignored"
	resultUnresolved = "unresolved"
	resultRejected   = "rejected"
	resultInvalid    = "invalid_payload"
	resultError      = "error"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.verifyEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("rejected webhook with invalid signature",
			gocredits.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
			gocredits.ErrorField(err),
		)
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	result, err := p.processWebhookEvent(r.Context(), event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if errors.Is(err, billing.ErrInvalidWebhookPayload) {
		// Signed by Stripe, so redelivery would carry the same object: acknowledge.
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.logger.Warn("webhook object could not be decoded",
			gocredits.Field{Key: "event_id", Value: event.ID},
			gocredits.Field{Key: "event_type", Value: eventType},
			gocredits.ErrorField(err),
		)
		result, err = resultInvalid, nil
	}
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, resultError)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.logger.Error("webhook processing failed",
			gocredits.Field{Key: "event_id", Value: event.ID},
			gocredits.Field{Key: "event_type", Value: eventType},
			gocredits.ErrorField(err),
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, result)
	_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Result: result})
}

type webhookAck struct {
	Received bool   `json:"received"`
	Result   string `json:"result"`
}

// verifyEvent checks the Stripe-Signature header against the raw body.
// API version mismatches are accepted: objects are decoded version-agnostically.
func (p *Provider) verifyEvent(body []byte, signature string) (*stripe.Event, error) {
	if signature == "" {
		return nil, billing.ErrInvalidWebhookSignature
	}
	event, err := webhook.ConstructEventWithOptions(body, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Join(billing.ErrInvalidWebhookSignature, err)
	}
	return &event, nil
}

// processWebhookEvent routes a verified event and classifies the outcome.
// Only transient failures are returned as errors, so that Stripe retries them;
// unresolvable or rejected events are acknowledged.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	if event.Data == nil {
		return "", billing.ErrInvalidWebhookPayload
	}

	var (
		intent gocredits.Intent
		kind   gocredits.EventKind
		skip   bool
		err    error
	)
	switch string(event.Type) {
	case eventCheckoutCompleted:
		kind = gocredits.EventCheckoutCompleted
		intent, skip, err = p.checkoutCompletedIntent(ctx, event)
	case eventInvoicePaid:
		kind = gocredits.EventInvoicePaid
		intent, skip, err = p.invoicePaidIntent(ctx, event)
	case eventSubscriptionUpdated:
		kind = gocredits.EventSubscriptionUpdated
		intent, skip, err = p.subscriptionUpdatedIntent(ctx, event)
	case eventSubscriptionDeleted:
		kind = gocredits.EventSubscriptionDeleted
		intent, skip, err = p.subscriptionDeletedIntent(ctx, event)
	default:
		// Unknown event type - ignore silently
		return resultIgnored, nil
	}
	if err == nil && !skip {
		_, err = p.reconcile(ctx, intent, kind, event.ID, string(event.Type), time.Unix(event.Created, 0))
	}

	switch {
	case err == nil && skip:
		return resultIgnored, nil
	case err == nil:
		return resultSuccess, nil
	case errors.Is(err, gocredits.ErrUnresolvableIntent), errors.Is(err, gocredits.ErrUserNotFound):
		p.logger.Warn("webhook intent could not be resolved",
			gocredits.Field{Key: "event_id", Value: event.ID},
			gocredits.Field{Key: "event_type", Value: string(event.Type)},
			gocredits.ErrorField(err),
		)
		return resultUnresolved, nil
	case errors.Is(err, gocredits.ErrUnsupportedTransition), errors.Is(err, gocredits.ErrInvalidPlan):
		p.logger.Warn("webhook transition rejected",
			gocredits.Field{Key: "event_id", Value: event.ID},
			gocredits.Field{Key: "event_type", Value: string(event.Type)},
			gocredits.Field{Key: "user_id", Value: intent.UserID},
			gocredits.Field{Key: "plan", Value: intent.Plan},
			gocredits.ErrorField(err),
		)
		return resultRejected, nil
	default:
		return "", err
	}
}

func (p *Provider) checkoutCompletedIntent(ctx context.Context, event *stripe.Event) (gocredits.Intent, bool, error) {
	var obj sessionObject
	if err := decodeObject(event.Data.Raw, &obj); err != nil {
		return gocredits.Intent{}, false, err
	}
	session := obj.session()

	if session.Mode != string(stripe.CheckoutSessionModeSubscription) || session.SubscriptionID == "" {
		return gocredits.Intent{}, true, nil
	}
	// Delayed payment methods complete unpaid; invoice.paid follows.
	if !sessionPaid(session) {
		return gocredits.Intent{}, true, nil
	}

	intent, err := p.resolveIntent(ctx, lookup{
		Metadata:          session.Metadata,
		ClientReferenceID: session.ClientReferenceID,
		SubscriptionID:    session.SubscriptionID,
		CustomerID:        session.CustomerID,
	})
	return intent, false, err
}

func (p *Provider) invoicePaidIntent(ctx context.Context, event *stripe.Event) (gocredits.Intent, bool, error) {
	var inv invoiceObject
	if err := decodeObject(event.Data.Raw, &inv); err != nil {
		return gocredits.Intent{}, false, err
	}
	subscriptionID := inv.subscriptionID()
	if subscriptionID == "" {
		// One-off invoice
		return gocredits.Intent{}, true, nil
	}

	intent, err := p.resolveIntent(ctx, lookup{
		Metadata:       inv.subscriptionMetadata(),
		SubscriptionID: subscriptionID,
		CustomerID:     inv.Customer.ID,
	})
	return intent, false, err
}

func (p *Provider) subscriptionUpdatedIntent(ctx context.Context, event *stripe.Event) (gocredits.Intent, bool, error) {
	var obj subscriptionObject
	if err := decodeObject(event.Data.Raw, &obj); err != nil {
		return gocredits.Intent{}, false, err
	}
	sub := obj.subscription()
	if !subscriptionLive(sub.Status) {
		return gocredits.Intent{}, true, nil
	}

	intent, err := p.resolveIntent(ctx, lookup{
		Metadata:       sub.Metadata,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
	})
	if err != nil {
		return intent, false, err
	}
	// The price is authoritative for plan switches made outside checkout.
	if plan, ok := p.planForPrices(sub.PriceIDs); ok {
		intent.Plan = plan
		intent.Source = gocredits.SourcePriceMapping
	}
	return intent, false, nil
}

func (p *Provider) subscriptionDeletedIntent(ctx context.Context, event *stripe.Event) (gocredits.Intent, bool, error) {
	var obj subscriptionObject
	if err := decodeObject(event.Data.Raw, &obj); err != nil {
		return gocredits.Intent{}, false, err
	}
	sub := obj.subscription()

	intent, err := p.resolveIntent(ctx, lookup{
		Metadata:       sub.Metadata,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
	})
	return intent, false, err
}

// reconcile writes an intent through the ledger and reports applied changes
func (p *Provider) reconcile(ctx context.Context, intent gocredits.Intent, kind gocredits.EventKind,
	eventID, eventType string, at time.Time) (*gocredits.Outcome, error) {
	if intent.CustomerID != "" {
		if _, err := p.ledger.AttachCustomer(ctx, intent.UserID, intent.CustomerID); err != nil &&
			!errors.Is(err, gocredits.ErrUserNotFound) {
			return nil, err
		}
	}

	out, err := p.ledger.Reconcile(ctx, intent, kind, eventID)
	if err != nil {
		return nil, err
	}
	if !out.Applied {
		return out, nil
	}

	p.notify(billing.ReconciliationEvent{
		UserID:         intent.UserID,
		PreviousPlan:   intent.PreviousPlan,
		NewPlan:        out.Plan,
		Granted:        out.Granted,
		Credits:        out.Credits,
		Provider:       providerName,
		EventID:        eventID,
		EventType:      eventType,
		EventTimestamp: at,
		Source:         intent.Source,
	})
	return out, nil
}

func sessionPaid(s *Session) bool {
	return s.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid) ||
		s.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusNoPaymentRequired)
}

func subscriptionLive(status string) bool {
	return status == string(stripe.SubscriptionStatusActive) || status == string(stripe.SubscriptionStatusTrialing)
}

// setSecurityHeaders sets security headers on HTTP responses
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
}
