package stripe

import (
	"encoding/json"
	"fmt"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// Webhook objects are decoded into these wire structs rather than stripe-go
// types so that payloads from any API version parse, and so that every
// object-or-id field is collapsed by billing.Ref.

type sessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          billing.Ref       `json:"customer"`
	Subscription      billing.Ref       `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
	Created           int64             `json:"created"`
}

func (s *sessionObject) session() *Session {
	return &Session{
		ID:                s.ID,
		Mode:              s.Mode,
		Status:            s.Status,
		PaymentStatus:     s.PaymentStatus,
		ClientReferenceID: s.ClientReferenceID,
		CustomerID:        s.Customer.ID,
		SubscriptionID:    s.Subscription.ID,
		Metadata:          s.Metadata,
		Created:           s.Created,
	}
}

type subscriptionObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Customer billing.Ref       `json:"customer"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *subscriptionObject) subscription() *Subscription {
	out := &Subscription{
		ID:         s.ID,
		Status:     s.Status,
		CustomerID: s.Customer.ID,
		Metadata:   s.Metadata,
	}
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			out.PriceIDs = append(out.PriceIDs, item.Price.ID)
		}
	}
	return out
}

type subscriptionDetails struct {
	Subscription billing.Ref       `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// invoiceObject covers both invoice layouts: newer API versions moved the
// subscription under parent.subscription_details.
type invoiceObject struct {
	ID                  string               `json:"id"`
	Customer            billing.Ref          `json:"customer"`
	Subscription        billing.Ref          `json:"subscription"`
	BillingReason       string               `json:"billing_reason"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
}

func (inv *invoiceObject) subscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription.ID != "" {
		return inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return inv.Subscription.ID
}

func (inv *invoiceObject) subscriptionMetadata() map[string]string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && len(inv.Parent.SubscriptionDetails.Metadata) > 0 {
		return inv.Parent.SubscriptionDetails.Metadata
	}
	if inv.SubscriptionDetails != nil {
		return inv.SubscriptionDetails.Metadata
	}
	return nil
}

func decodeObject(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data.object", billing.ErrInvalidWebhookPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}
