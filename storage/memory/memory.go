// Package memory provides an in-memory implementation of the gocredits.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Storage implements gocredits.Storage using in-memory maps guarded by one mutex
type Storage struct {
	mu          sync.RWMutex
	users       map[string]*gocredits.User
	byCustomer  map[string]string
	transitions map[string]*gocredits.TransitionRecord
	// cancelled holds userID -> cancelled subscription ids
	cancelled map[string]map[string]struct{}
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:       make(map[string]*gocredits.User),
		byCustomer:  make(map[string]string),
		transitions: make(map[string]*gocredits.TransitionRecord),
		cancelled:   make(map[string]map[string]struct{}),
	}
}

// GetUser implements gocredits.Storage
func (s *Storage) GetUser(_ context.Context, userID string) (*gocredits.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, gocredits.ErrUserNotFound
	}

	// Return a copy to prevent external mutations
	userCopy := *user
	return &userCopy, nil
}

// FindUserByCustomerID implements gocredits.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*gocredits.User, error) {
	s.mu.RLock()
	userID, ok := s.byCustomer[customerID]
	s.mu.RUnlock()
	if !ok {
		return nil, gocredits.ErrUserNotFound
	}
	return s.GetUser(ctx, userID)
}

// CreateUser implements gocredits.Storage
func (s *Storage) CreateUser(_ context.Context, user *gocredits.User) (*gocredits.User, bool, error) {
	if user == nil || user.ID == "" {
		return nil, false, fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[user.ID]; ok {
		existingCopy := *existing
		return &existingCopy, false, nil
	}

	// Store a copy to prevent external mutations
	userCopy := *user
	s.users[user.ID] = &userCopy
	if user.CustomerID != "" {
		s.byCustomer[user.CustomerID] = user.ID
	}
	out := userCopy
	return &out, true, nil
}

// SetCustomerID implements gocredits.Storage
func (s *Storage) SetCustomerID(_ context.Context, userID, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return "", gocredits.ErrUserNotFound
	}
	if user.CustomerID != "" {
		return user.CustomerID, nil
	}
	user.CustomerID = customerID
	user.UpdatedAt = time.Now().UTC()
	s.byCustomer[customerID] = userID
	return customerID, nil
}

// ApplyTransition implements gocredits.Storage
func (s *Storage) ApplyTransition(_ context.Context, req *gocredits.TransitionRequest) (*gocredits.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[req.UserID]
	if !ok {
		return nil, gocredits.ErrUserNotFound
	}

	notApplied := func(reason gocredits.OutcomeReason) *gocredits.Outcome {
		return &gocredits.Outcome{Reason: reason, Plan: user.Plan, Credits: user.Credits}
	}
	switch {
	case user.Plan == req.ToPlan:
		return notApplied(gocredits.ReasonAlreadyOnPlan), nil
	case user.Plan != req.FromPlan:
		return notApplied(gocredits.ReasonPlanChanged), nil
	case s.isCancelled(req.UserID, req.SubscriptionID):
		return notApplied(gocredits.ReasonCancelledSubscription), nil
	}
	if req.Key != "" {
		if _, dup := s.transitions[req.Key]; dup {
			return notApplied(gocredits.ReasonDuplicate), nil
		}
	}

	user.Credits += req.CreditDelta
	user.Plan = req.ToPlan
	user.SubscriptionID = req.SubscriptionID
	if req.ToPlan == gocredits.PlanFree {
		user.SubscriptionID = ""
	}
	user.UpdatedAt = req.Now

	if req.Key != "" {
		s.transitions[req.Key] = &gocredits.TransitionRecord{
			Key:            req.Key,
			UserID:         req.UserID,
			FromPlan:       req.FromPlan,
			ToPlan:         req.ToPlan,
			Credits:        req.CreditDelta,
			SubscriptionID: req.SubscriptionID,
			Kind:           req.Kind,
			EventID:        req.EventID,
			CreatedAt:      req.Now,
		}
	}

	return &gocredits.Outcome{
		Applied: true,
		Reason:  gocredits.ReasonApplied,
		Plan:    user.Plan,
		Credits: user.Credits,
		Granted: req.CreditDelta,
	}, nil
}

// ApplyCancel implements gocredits.Storage
func (s *Storage) ApplyCancel(_ context.Context, req *gocredits.CancelRequest) (*gocredits.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[req.UserID]
	if !ok {
		return nil, gocredits.ErrUserNotFound
	}
	if req.SubscriptionID != "" {
		if s.cancelled[req.UserID] == nil {
			s.cancelled[req.UserID] = make(map[string]struct{})
		}
		s.cancelled[req.UserID][req.SubscriptionID] = struct{}{}
	}
	if user.SubscriptionID != "" && req.SubscriptionID != "" && user.SubscriptionID != req.SubscriptionID {
		return &gocredits.Outcome{Reason: gocredits.ReasonStaleCancel, Plan: user.Plan, Credits: user.Credits}, nil
	}
	if user.Plan == gocredits.PlanFree && user.SubscriptionID == "" {
		return &gocredits.Outcome{Reason: gocredits.ReasonAlreadyOnPlan, Plan: user.Plan, Credits: user.Credits}, nil
	}

	user.Plan = gocredits.PlanFree
	user.SubscriptionID = ""
	user.UpdatedAt = req.Now
	return &gocredits.Outcome{
		Applied: true,
		Reason:  gocredits.ReasonApplied,
		Plan:    user.Plan,
		Credits: user.Credits,
	}, nil
}

// AddCredits implements gocredits.Storage
func (s *Storage) AddCredits(_ context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gocredits.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return 0, gocredits.ErrUserNotFound
	}
	user.Credits += amount
	user.UpdatedAt = time.Now().UTC()
	return user.Credits, nil
}

// DebitCredits implements gocredits.Storage
func (s *Storage) DebitCredits(_ context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gocredits.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return 0, gocredits.ErrUserNotFound
	}
	if user.Credits < amount {
		return user.Credits, gocredits.ErrInsufficientCredits
	}
	user.Credits -= amount
	user.UpdatedAt = time.Now().UTC()
	return user.Credits, nil
}

// GetTransitionRecord implements gocredits.Storage
func (s *Storage) GetTransitionRecord(_ context.Context, key string) (*gocredits.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.transitions[key]
	if !ok {
		return nil, nil
	}
	recordCopy := *record
	return &recordCopy, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*gocredits.User)
	s.byCustomer = make(map[string]string)
	s.transitions = make(map[string]*gocredits.TransitionRecord)
	s.cancelled = make(map[string]map[string]struct{})
}

// isCancelled reports whether subscriptionID was cancelled for the user.
// Callers must hold s.mu.
func (s *Storage) isCancelled(userID, subscriptionID string) bool {
	if subscriptionID == "" {
		return false
	}
	_, ok := s.cancelled[userID][subscriptionID]
	return ok
}
