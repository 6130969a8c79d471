package gocredits

import (
	"strings"
	"time"
)

// Plan is a subscription tier
type Plan string

const (
	// PlanFree is the tier every user starts on; it has no provider subscription
	PlanFree Plan = "FREE"
	// PlanBasic is the entry paid tier
	PlanBasic Plan = "BASIC"
	// PlanPro is the top paid tier
	PlanPro Plan = "PRO"
)

// ParsePlan normalizes a plan name. Matching is case-insensitive so that
// metadata written as "pro" and "PRO" resolve to the same tier.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(strings.ToUpper(strings.TrimSpace(s))) {
	case PlanFree:
		return PlanFree, true
	case PlanBasic:
		return PlanBasic, true
	case PlanPro:
		return PlanPro, true
	default:
		return "", false
	}
}

// Paid reports whether the plan is backed by a provider subscription
func (p Plan) Paid() bool {
	return p == PlanBasic || p == PlanPro
}

// rank orders plans for upgrade checks
func (p Plan) rank() int {
	switch p {
	case PlanBasic:
		return 1
	case PlanPro:
		return 2
	default:
		return 0
	}
}

// User is a ledger row
type User struct {
	ID             string
	Email          string
	Credits        int
	Plan           Plan
	CustomerID     string
	SubscriptionID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EventKind identifies what triggered a reconciliation
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventInvoicePaid         EventKind = "invoice_paid"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventCheckoutConfirmed   EventKind = "checkout_confirmed"
)

// IntentSource records which resolver step produced an Intent
type IntentSource string

const (
	SourceObjectMetadata  IntentSource = "object_metadata"
	SourceSessionMetadata IntentSource = "session_metadata"
	SourceCustomerLookup  IntentSource = "customer_lookup"
	SourcePriceMapping    IntentSource = "price_mapping"
)

// Intent is the reconstructed purchase intent of a billing event.
// PreviousPlan and PreviousCredits are informational only; the ledger always
// re-reads the stored row before writing.
type Intent struct {
	UserID          string
	Plan            Plan
	CreditGrant     int
	PreviousPlan    Plan
	PreviousCredits int
	SubscriptionID  string
	CustomerID      string
	Source          IntentSource
}

// Transition is the output of the transition table
type Transition struct {
	From        Plan
	To          Plan
	CreditDelta int
	// ClearSubscription is set for cancellations
	ClearSubscription bool
	// NoOp is set when the table maps the request to no change
	NoOp bool
}

// OutcomeReason explains why a reconciliation did or did not write
type OutcomeReason string

const (
	ReasonApplied       OutcomeReason = "applied"
	ReasonAlreadyOnPlan OutcomeReason = "already_on_plan"
	ReasonDuplicate     OutcomeReason = "duplicate"
	ReasonPlanChanged   OutcomeReason = "plan_changed"
	ReasonStaleCancel   OutcomeReason = "stale_subscription"

	// ReasonCancelledSubscription marks a transition carrying a subscription
	// id that was already cancelled for the user
	ReasonCancelledSubscription OutcomeReason = "cancelled_subscription"
)

// Outcome is the result of a ledger write
type Outcome struct {
	Applied bool
	Reason  OutcomeReason
	Plan    Plan
	Credits int
	// Granted is the number of credits added by this call
	Granted int
}

// TransitionRequest is handed to Storage.ApplyTransition. Storage applies it
// only if the stored plan still equals FromPlan and Key was never recorded.
type TransitionRequest struct {
	Key            string
	UserID         string
	FromPlan       Plan
	ToPlan         Plan
	CreditDelta    int
	SubscriptionID string
	Kind           EventKind
	EventID        string
	Now            time.Time
}

// CancelRequest is handed to Storage.ApplyCancel
type CancelRequest struct {
	UserID         string
	SubscriptionID string
	Now            time.Time
}

// TransitionRecord is the audit row written with every applied grant
type TransitionRecord struct {
	Key            string
	UserID         string
	FromPlan       Plan
	ToPlan         Plan
	Credits        int
	SubscriptionID string
	Kind           EventKind
	EventID        string
	CreatedAt      time.Time
}

// ResubscribePolicy decides whether a user who returns to a plan they were
// already granted receives the grant again.
type ResubscribePolicy string

const (
	// GrantPerSubscription grants once per provider subscription id
	GrantPerSubscription ResubscribePolicy = "per_subscription"
	// GrantOncePerPlan grants at most once per user and plan for the lifetime of the account
	GrantOncePerPlan ResubscribePolicy = "once_per_plan"
)

// Config holds ledger configuration
type Config struct {
	// Catalog maps plans to credit grants and provider prices (default: DefaultCatalog())
	Catalog *PlanCatalog

	// SignupCredits is the FREE grant for new users (default: 1000)
	SignupCredits int

	// ResubscribePolicy selects the transition key shape (default: GrantPerSubscription)
	ResubscribePolicy ResubscribePolicy

	// MaxConflictRetries bounds re-reads after a concurrent plan change (default: 3)
	MaxConflictRetries int

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// CircuitBreakerConfig wraps storage with a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Now overrides the clock (tests)
	Now func() time.Time
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}
