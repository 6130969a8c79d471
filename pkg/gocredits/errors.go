package gocredits

import "errors"

var (
	// ErrUserNotFound is returned when no ledger row exists for a user
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidPlan is returned for unknown plans or for plans that cannot be purchased
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrUnsupportedTransition is returned for plan changes the transition table rejects
	ErrUnsupportedTransition = errors.New("unsupported plan transition")

	// ErrAlreadyOnPlan is returned when a checkout targets the user's current plan
	ErrAlreadyOnPlan = errors.New("already on plan")

	// ErrInsufficientCredits is returned when a debit would make the balance negative
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned for non-positive credit amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnresolvableIntent is returned when no user can be attributed to a billing event
	ErrUnresolvableIntent = errors.New("unresolvable intent")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
