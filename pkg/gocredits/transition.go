package gocredits

import "fmt"

// ResolveTransition maps (current plan, target plan, trigger) to a credit delta
// and resulting plan:
//
//	FREE  -> BASIC  +BASIC grant
//	FREE  -> PRO    +PRO grant
//	BASIC -> PRO    +PRO grant
//	X     -> X      no-op
//	any   -> FREE   on subscription deletion only, no credit change
//	PRO   -> BASIC  ErrUnsupportedTransition
//
// It performs no I/O.
func ResolveTransition(catalog *PlanCatalog, current, target Plan, kind EventKind) (Transition, error) {
	if kind == EventSubscriptionDeleted {
		return Transition{
			From:              current,
			To:                PlanFree,
			ClearSubscription: true,
			NoOp:              current == PlanFree,
		}, nil
	}

	if _, ok := ParsePlan(string(current)); !ok {
		return Transition{}, fmt.Errorf("%w: current plan %q", ErrInvalidPlan, current)
	}
	if !catalog.Has(target) {
		return Transition{}, fmt.Errorf("%w: target plan %q", ErrInvalidPlan, target)
	}

	if current == target {
		return Transition{From: current, To: target, NoOp: true}, nil
	}
	if target.rank() < current.rank() {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrUnsupportedTransition, current, target)
	}

	return Transition{
		From:        current,
		To:          target,
		CreditDelta: catalog.Credits(target),
	}, nil
}

// TransitionKey derives the idempotency key of a transition instance.
// The source plan is not part of the key: a later cancellation must not turn
// a redelivered grant into a new instance.
func TransitionKey(policy ResubscribePolicy, userID string, to Plan, subscriptionID string) string {
	if policy == GrantOncePerPlan {
		return fmt.Sprintf("%s|%s", userID, to)
	}
	return fmt.Sprintf("%s|%s|%s", userID, to, subscriptionID)
}
