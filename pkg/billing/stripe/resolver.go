package stripe

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	metaUserID          = "user_id"
	metaPlan            = "plan"
	metaCredits         = "credits"
	metaPreviousPlan    = "previous_plan"
	metaPreviousCredits = "previous_credits"
)

// Older sessions were tagged with camelCase keys.
var legacyMetaKeys = map[string]string{
	metaUserID:          "userId",
	metaPreviousPlan:    "currentPlan",
	metaPreviousCredits: "currentCredits",
}

func metaValue(md map[string]string, key string) string {
	if v := strings.TrimSpace(md[key]); v != "" {
		return v
	}
	if legacy, ok := legacyMetaKeys[key]; ok {
		return strings.TrimSpace(md[legacy])
	}
	return ""
}

// intentFromMetadata reads a checkout intent from metadata.
// ok is false when no user id is present.
func intentFromMetadata(md map[string]string) (gocredits.Intent, bool) {
	var intent gocredits.Intent
	intent.UserID = metaValue(md, metaUserID)
	if intent.UserID == "" {
		return intent, false
	}
	if plan, ok := gocredits.ParsePlan(metaValue(md, metaPlan)); ok {
		intent.Plan = plan
	}
	if plan, ok := gocredits.ParsePlan(metaValue(md, metaPreviousPlan)); ok {
		intent.PreviousPlan = plan
	}
	intent.CreditGrant, _ = strconv.Atoi(metaValue(md, metaCredits))
	intent.PreviousCredits, _ = strconv.Atoi(metaValue(md, metaPreviousCredits))
	return intent, true
}

// intentMetadata is the inverse of intentFromMetadata
func intentMetadata(intent gocredits.Intent) map[string]string {
	md := map[string]string{
		metaUserID:  intent.UserID,
		metaPlan:    string(intent.Plan),
		metaCredits: strconv.Itoa(intent.CreditGrant),
	}
	if intent.PreviousPlan != "" {
		md[metaPreviousPlan] = string(intent.PreviousPlan)
		md[metaPreviousCredits] = strconv.Itoa(intent.PreviousCredits)
	}
	return md
}

// lookup is what a webhook object offers the resolver
type lookup struct {
	Metadata          map[string]string
	ClientReferenceID string
	SubscriptionID    string
	CustomerID        string
}

// resolveIntent identifies the user and target plan of an object.
// Steps, first hit wins:
//  1. the object's own metadata (or client_reference_id)
//  2. metadata of the newest checkout session that created the subscription
//  3. the user attached to the customer, in the ledger or by customer metadata
//
// A plan missing after steps 1-2 is taken from the user's current plan.
// Returns gocredits.ErrUnresolvableIntent when no step yields a user.
func (p *Provider) resolveIntent(ctx context.Context, in lookup) (gocredits.Intent, error) {
	intent, ok := intentFromMetadata(in.Metadata)
	if ok {
		intent.Source = gocredits.SourceObjectMetadata
	} else if in.ClientReferenceID != "" {
		intent = gocredits.Intent{UserID: in.ClientReferenceID, Source: gocredits.SourceObjectMetadata}
		if plan, pok := gocredits.ParsePlan(metaValue(in.Metadata, metaPlan)); pok {
			intent.Plan = plan
		}
		ok = true
	}

	if !ok && in.SubscriptionID != "" {
		session, err := p.api.LatestCheckoutSession(ctx, in.SubscriptionID)
		if err != nil {
			return gocredits.Intent{}, err
		}
		if session != nil {
			intent, ok = intentFromMetadata(session.Metadata)
			if !ok && session.ClientReferenceID != "" {
				intent = gocredits.Intent{UserID: session.ClientReferenceID}
				ok = true
			}
			if ok {
				intent.Source = gocredits.SourceSessionMetadata
			}
		}
	}

	if !ok && in.CustomerID != "" {
		user, err := p.userForCustomer(ctx, in.CustomerID)
		if err != nil {
			return gocredits.Intent{}, err
		}
		if user != nil {
			intent = gocredits.Intent{UserID: user.ID, Plan: user.Plan, Source: gocredits.SourceCustomerLookup}
			ok = true
		}
	}

	if !ok {
		return gocredits.Intent{}, gocredits.ErrUnresolvableIntent
	}

	if intent.Plan == "" {
		user, err := p.ledger.User(ctx, intent.UserID)
		if err != nil {
			return gocredits.Intent{}, err
		}
		intent.Plan = user.Plan
	}
	intent.SubscriptionID = in.SubscriptionID
	intent.CustomerID = in.CustomerID
	return intent, nil
}

// userForCustomer finds the user that owns a customer: the ledger's customer
// index first, then the user_id tag on the Stripe customer. Nil if neither knows it.
func (p *Provider) userForCustomer(ctx context.Context, customerID string) (*gocredits.User, error) {
	user, err := p.ledger.UserByCustomerID(ctx, customerID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gocredits.ErrUserNotFound) {
		return nil, err
	}

	cust, err := p.api.RetrieveCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			return nil, nil
		}
		return nil, err
	}
	userID := metaValue(cust.Metadata, metaUserID)
	if userID == "" {
		return nil, nil
	}

	user, err = p.ledger.User(ctx, userID)
	if err != nil {
		if errors.Is(err, gocredits.ErrUserNotFound) {
			return nil, nil
		}
		return nil, err
	}
	// Backfill the index so the next event resolves without an API call.
	if user.CustomerID == "" {
		if _, err := p.ledger.AttachCustomer(ctx, user.ID, customerID); err != nil {
			p.logger.Warn("failed to attach customer",
				gocredits.Field{Key: "user_id", Value: user.ID},
				gocredits.Field{Key: "customer_id", Value: customerID},
				gocredits.ErrorField(err),
			)
		}
	}
	return user, nil
}

// planForPrices maps subscription items to a catalog plan, highest first
func (p *Provider) planForPrices(priceIDs []string) (gocredits.Plan, bool) {
	var best gocredits.Plan
	for _, id := range priceIDs {
		plan, ok := p.catalog.PlanForPrice(id)
		if !ok {
			continue
		}
		if best == "" || plan == gocredits.PlanPro {
			best = plan
		}
	}
	return best, best != ""
}
