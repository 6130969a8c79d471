package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// confirmationEventType labels reconciliations triggered by client polls
const confirmationEventType = "checkout.confirmation"

// ConfirmCheckout polls a checkout session after the redirect and applies its
// intent if paid. It races the webhook for the same session; both write the
// same transition key, so whichever lands second is a no-op.
func (p *Provider) ConfirmCheckout(ctx context.Context, userID, sessionID string) (*billing.Confirmation, error) {
	if sessionID == "" {
		return nil, billing.ErrSessionNotFound
	}

	session, err := p.api.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	intent, ok := intentFromMetadata(session.Metadata)
	if !ok && session.ClientReferenceID != "" {
		intent = gocredits.Intent{UserID: session.ClientReferenceID}
		ok = true
	}
	// Someone else's session is reported as unknown.
	if !ok || intent.UserID != userID {
		return nil, fmt.Errorf("%w: %s", billing.ErrSessionNotFound, sessionID)
	}

	confirmation := &billing.Confirmation{Status: session.PaymentStatus}
	if session.Mode != string(stripe.CheckoutSessionModeSubscription) || !sessionPaid(session) {
		p.metrics.RecordConfirmation(providerName, "unpaid")
		return confirmation, nil
	}
	if intent.Plan == "" {
		p.metrics.RecordConfirmation(providerName, "unresolved")
		return confirmation, nil
	}

	intent.Source = gocredits.SourceSessionMetadata
	intent.SubscriptionID = session.SubscriptionID
	intent.CustomerID = session.CustomerID

	out, err := p.reconcile(ctx, intent, gocredits.EventCheckoutConfirmed, session.ID, confirmationEventType, time.Now())
	switch {
	case err == nil && out.Plan == intent.Plan:
		confirmation.Success = true
		p.metrics.RecordConfirmation(providerName, "confirmed")
	case err == nil:
		// Paid, but the subscription has since been cancelled.
		p.logger.Info("checkout confirmation for ended subscription",
			gocredits.Field{Key: "user_id", Value: userID},
			gocredits.Field{Key: "session_id", Value: sessionID},
			gocredits.Field{Key: "reason", Value: out.Reason},
		)
		p.metrics.RecordConfirmation(providerName, "ended")
	case errors.Is(err, gocredits.ErrUnsupportedTransition), errors.Is(err, gocredits.ErrInvalidPlan):
		// Paid, but superseded by a higher plan.
		p.logger.Warn("checkout confirmation rejected",
			gocredits.Field{Key: "user_id", Value: userID},
			gocredits.Field{Key: "session_id", Value: sessionID},
			gocredits.ErrorField(err),
		)
		p.metrics.RecordConfirmation(providerName, "rejected")
	default:
		p.metrics.RecordConfirmation(providerName, "error")
		return nil, err
	}
	return confirmation, nil
}
