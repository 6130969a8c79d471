package gocredits

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker
// protection and records per-operation latency.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
	metrics Metrics
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker, metrics Metrics) *CircuitBreakerStorage {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
		metrics: metrics,
	}
}

func (s *CircuitBreakerStorage) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := s.cb.Execute(ctx, fn)
	s.metrics.RecordStorageOperation(op, time.Since(start), err)
	return err
}

func (s *CircuitBreakerStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := s.run(ctx, "get_user", func() error {
		var e error
		user, e = s.storage.GetUser(ctx, userID)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) FindUserByCustomerID(ctx context.Context, customerID string) (*User, error) {
	var user *User
	err := s.run(ctx, "find_user_by_customer", func() error {
		var e error
		user, e = s.storage.FindUserByCustomerID(ctx, customerID)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) CreateUser(ctx context.Context, user *User) (*User, bool, error) {
	var stored *User
	var created bool
	err := s.run(ctx, "create_user", func() error {
		var e error
		stored, created, e = s.storage.CreateUser(ctx, user)
		return e
	})
	return stored, created, err
}

func (s *CircuitBreakerStorage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	var stored string
	err := s.run(ctx, "set_customer_id", func() error {
		var e error
		stored, e = s.storage.SetCustomerID(ctx, userID, customerID)
		return e
	})
	return stored, err
}

func (s *CircuitBreakerStorage) ApplyTransition(ctx context.Context, req *TransitionRequest) (*Outcome, error) {
	var out *Outcome
	err := s.run(ctx, "apply_transition", func() error {
		var e error
		out, e = s.storage.ApplyTransition(ctx, req)
		return e
	})
	return out, err
}

func (s *CircuitBreakerStorage) ApplyCancel(ctx context.Context, req *CancelRequest) (*Outcome, error) {
	var out *Outcome
	err := s.run(ctx, "apply_cancel", func() error {
		var e error
		out, e = s.storage.ApplyCancel(ctx, req)
		return e
	})
	return out, err
}

func (s *CircuitBreakerStorage) AddCredits(ctx context.Context, userID string, amount int) (int, error) {
	var total int
	err := s.run(ctx, "add_credits", func() error {
		var e error
		total, e = s.storage.AddCredits(ctx, userID, amount)
		return e
	})
	return total, err
}

func (s *CircuitBreakerStorage) DebitCredits(ctx context.Context, userID string, amount int) (int, error) {
	var total int
	err := s.run(ctx, "debit_credits", func() error {
		var e error
		total, e = s.storage.DebitCredits(ctx, userID, amount)
		return e
	})
	return total, err
}

func (s *CircuitBreakerStorage) GetTransitionRecord(ctx context.Context, key string) (*TransitionRecord, error) {
	var record *TransitionRecord
	err := s.run(ctx, "get_transition_record", func() error {
		var e error
		record, e = s.storage.GetTransitionRecord(ctx, key)
		return e
	})
	return record, err
}
