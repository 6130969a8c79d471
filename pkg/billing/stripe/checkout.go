package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// sessionPlaceholder is replaced by Stripe with the session id on redirect
const sessionPlaceholder = "{CHECKOUT_SESSION_ID}"

// CreateCheckout opens a subscription checkout session for plan. The session
// and the subscription it creates both carry the intent metadata that webhook
// reconciliation reads back.
func (p *Provider) CreateCheckout(ctx context.Context, userID string, plan gocredits.Plan) (*billing.CheckoutResult, error) {
	if !p.catalog.Has(plan) {
		return nil, fmt.Errorf("%w: %s", gocredits.ErrInvalidPlan, plan)
	}
	priceID, ok := p.catalog.PriceID(plan)
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrPriceNotConfigured, plan)
	}

	user, err := p.ledger.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Plan == plan {
		return nil, gocredits.ErrAlreadyOnPlan
	}
	if _, err := gocredits.ResolveTransition(p.catalog, user.Plan, plan, gocredits.EventCheckoutCompleted); err != nil {
		return nil, err
	}

	customerID, err := p.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	// Upgrading replaces the lower subscription rather than stacking a second one.
	if user.Plan.Paid() && user.SubscriptionID != "" {
		if err := p.api.CancelSubscription(ctx, user.SubscriptionID); err != nil {
			return nil, err
		}
		p.logger.Info("cancelled subscription before upgrade",
			gocredits.Field{Key: "user_id", Value: user.ID},
			gocredits.Field{Key: "subscription_id", Value: user.SubscriptionID},
			gocredits.Field{Key: "plan", Value: plan},
		)
	}

	intent := gocredits.Intent{
		UserID:          user.ID,
		Plan:            plan,
		CreditGrant:     p.catalog.Credits(plan),
		PreviousPlan:    user.Plan,
		PreviousCredits: user.Credits,
	}
	md := intentMetadata(intent)

	session, err := p.api.CreateCheckoutSession(ctx, &CheckoutParams{
		CustomerID:        customerID,
		PriceID:           priceID,
		SuccessURL:        successURL(p.config.SuccessURL, plan),
		CancelURL:         p.config.CancelURL,
		ClientReferenceID: user.ID,
		Metadata:          md,
		SubscriptionMetadata: map[string]string{
			metaUserID:  md[metaUserID],
			metaPlan:    md[metaPlan],
			metaCredits: md[metaCredits],
		},
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("checkout session created",
		gocredits.Field{Key: "user_id", Value: user.ID},
		gocredits.Field{Key: "session_id", Value: session.ID},
		gocredits.Field{Key: "plan", Value: plan},
	)
	return &billing.CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

// CreatePortal opens a billing portal session for the user's customer
func (p *Provider) CreatePortal(ctx context.Context, userID string) (string, error) {
	user, err := p.ledger.User(ctx, userID)
	if err != nil {
		return "", err
	}
	customerID, err := p.ensureCustomer(ctx, user)
	if err != nil {
		return "", err
	}
	return p.api.CreatePortalSession(ctx, customerID, p.config.PortalReturnURL)
}

// ensureCustomer returns the user's Stripe customer, creating it on first use.
// Concurrent calls for one user share a single creation; across processes the
// stored id is set-if-empty and creation is keyed by user id.
func (p *Provider) ensureCustomer(ctx context.Context, user *gocredits.User) (string, error) {
	if user.CustomerID != "" {
		return user.CustomerID, nil
	}

	v, err, _ := p.customers.Do(user.ID, func() (any, error) {
		fresh, err := p.ledger.User(ctx, user.ID)
		if err != nil {
			return "", err
		}
		if fresh.CustomerID != "" {
			return fresh.CustomerID, nil
		}

		customerID, err := p.findCustomer(ctx, user.ID)
		if err != nil {
			return "", err
		}
		if customerID == "" {
			customerID, err = p.api.CreateCustomer(ctx, user.ID, user.Email, "customer-"+user.ID)
			if err != nil {
				return "", err
			}
		}
		return p.ledger.AttachCustomer(ctx, user.ID, customerID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// findCustomer looks for a customer created by an earlier, partially failed
// attempt. Empty when there is none.
func (p *Provider) findCustomer(ctx context.Context, userID string) (string, error) {
	if p.config.CustomerIDResolver != nil {
		id, err := p.config.CustomerIDResolver(ctx, userID)
		if err == nil && id != "" {
			return id, nil
		}
	}

	id, err := p.api.SearchCustomer(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			return "", nil
		}
		// Search is best effort; creation is idempotent anyway.
		p.logger.Warn("customer search failed",
			gocredits.Field{Key: "user_id", Value: userID},
			gocredits.ErrorField(err),
		)
		return "", nil
	}
	return id, nil
}

func successURL(base string, plan gocredits.Plan) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "success=true&plan=" + url.QueryEscape(strings.ToLower(string(plan))) +
		"&session_id=" + sessionPlaceholder
}
