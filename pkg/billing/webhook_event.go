package billing

import (
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// ReconciliationEvent describes a ledger change caused by a provider signal.
// It is passed to Config.OnReconciled after the change is committed.
type ReconciliationEvent struct {
	// UserID is the internal user identifier
	UserID string

	// PreviousPlan is the plan the intent was created from (may be empty)
	PreviousPlan gocredits.Plan

	// NewPlan is the stored plan after the write
	NewPlan gocredits.Plan

	// Granted is the number of credits added
	Granted int

	// Credits is the balance after the write
	Credits int

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID and EventType identify the triggering notification.
	// EventType is "checkout.confirmation" for client polls.
	EventID   string
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Source records which resolver step identified the user
	Source gocredits.IntentSource
}
