package gocredits

import "time"

// Metrics defines the interface for tracking ledger operations and performance.
type Metrics interface {
	// RecordTransition records a reconciliation attempt and how it ended.
	RecordTransition(from, to Plan, kind EventKind, reason OutcomeReason, granted int)

	// RecordDebit records a credit debit attempt.
	RecordDebit(amount int, success bool)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(from, to Plan, kind EventKind, reason OutcomeReason, granted int) {
}
func (n *NoopMetrics) RecordDebit(amount int, success bool)                                       {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
