package gocredits

import "context"

// Storage defines the interface for ledger persistence.
// Every mutating method must be atomic with respect to concurrent callers on
// the same user: implementations use a transaction, a lock or a server-side script.
type Storage interface {
	// GetUser retrieves a user row
	// Returns ErrUserNotFound if absent
	GetUser(ctx context.Context, userID string) (*User, error)

	// FindUserByCustomerID resolves a provider customer id to a user
	// Returns ErrUserNotFound if no user carries the id
	FindUserByCustomerID(ctx context.Context, customerID string) (*User, error)

	// CreateUser inserts a new user. If the user already exists the stored row
	// is returned unchanged and created is false.
	CreateUser(ctx context.Context, user *User) (stored *User, created bool, err error)

	// SetCustomerID stores customerID only if the user has none yet.
	// Returns the id that is stored after the call, which is the existing one
	// if another writer got there first.
	SetCustomerID(ctx context.Context, userID, customerID string) (string, error)

	// ApplyTransition performs a conditional plan change with credit grant.
	// Checked in order: plan already equals ToPlan (ReasonAlreadyOnPlan),
	// plan differs from FromPlan (ReasonPlanChanged), SubscriptionID was
	// cancelled for the user (ReasonCancelledSubscription), Key already
	// recorded (ReasonDuplicate). Otherwise credits are incremented by
	// CreditDelta, the plan and subscription are set and the TransitionRecord
	// is stored, all in one atomic step. An empty Key skips the idempotency record.
	ApplyTransition(ctx context.Context, req *TransitionRequest) (*Outcome, error)

	// ApplyCancel moves the user to FREE and clears the subscription unless
	// both the stored and the requested subscription ids are set and differ,
	// in which case it returns a not-applied Outcome with ReasonStaleCancel.
	// A user already on FREE without subscription yields ReasonAlreadyOnPlan.
	// A non-empty SubscriptionID is remembered as cancelled whatever the
	// outcome, so that ApplyTransition never attaches it again.
	ApplyCancel(ctx context.Context, req *CancelRequest) (*Outcome, error)

	// AddCredits atomically increments the balance and returns the new total
	AddCredits(ctx context.Context, userID string, amount int) (int, error)

	// DebitCredits atomically decrements the balance only if it stays >= 0.
	// Returns ErrInsufficientCredits otherwise.
	DebitCredits(ctx context.Context, userID string, amount int) (int, error)

	// GetTransitionRecord retrieves a transition record by key
	// Returns nil if no record found (not an error)
	GetTransitionRecord(ctx context.Context, key string) (*TransitionRecord, error)
}
