// Package firestore provides a Firestore implementation of the gocredits.Storage interface.
// Every ledger write runs inside a Firestore transaction over the user document,
// its customer index entry and the transition record.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Storage implements gocredits.Storage using Google Cloud Firestore
type Storage struct {
	client                *firestore.Client
	usersCollection       string
	customersCollection   string
	transitionsCollection string
	cancelledCollection   string
	maxAttempts           int
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection holds one document per user keyed by user id
	// Default: "credit_users"
	UsersCollection string

	// CustomersCollection maps provider customer ids to user ids
	// Default: "credit_customers"
	CustomersCollection string

	// TransitionsCollection holds applied transition records keyed by idempotency key
	// Default: "credit_transitions"
	TransitionsCollection string

	// CancelledCollection remembers cancelled subscriptions per user
	// Default: "credit_cancelled_subscriptions"
	CancelledCollection string

	// MaxAttempts bounds transaction retries under contention
	// Default: 5
	MaxAttempts int
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "credit_users"
	}
	if config.CustomersCollection == "" {
		config.CustomersCollection = "credit_customers"
	}
	if config.TransitionsCollection == "" {
		config.TransitionsCollection = "credit_transitions"
	}
	if config.CancelledCollection == "" {
		config.CancelledCollection = "credit_cancelled_subscriptions"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	return &Storage{
		client:                client,
		usersCollection:       config.UsersCollection,
		customersCollection:   config.CustomersCollection,
		transitionsCollection: config.TransitionsCollection,
		cancelledCollection:   config.CancelledCollection,
		maxAttempts:           config.MaxAttempts,
	}, nil
}

// GetUser implements gocredits.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*gocredits.User, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gocredits.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, gocredits.ErrUserNotFound
	}
	return decodeUser(userID, snap.Data()), nil
}

// FindUserByCustomerID implements gocredits.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*gocredits.User, error) {
	if customerID == "" {
		return nil, gocredits.ErrUserNotFound
	}
	snap, err := s.customerDoc(customerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gocredits.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user by customer: %w", err)
	}
	userID := getString(snap.Data(), "userId")
	if userID == "" {
		return nil, gocredits.ErrUserNotFound
	}
	return s.GetUser(ctx, userID)
}

// CreateUser implements gocredits.Storage
func (s *Storage) CreateUser(ctx context.Context, user *gocredits.User) (*gocredits.User, bool, error) {
	if user == nil || user.ID == "" {
		return nil, false, fmt.Errorf("invalid user")
	}

	var (
		stored  *gocredits.User
		created bool
	)
	err := s.runTransaction(ctx, func(tx *firestore.Transaction) error {
		doc := s.userDoc(user.ID)
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			stored = decodeUser(user.ID, snap.Data())
			created = false
			return nil
		}

		if err := tx.Create(doc, encodeUser(user)); err != nil {
			return err
		}
		if user.CustomerID != "" {
			if err := tx.Set(s.customerDoc(user.CustomerID), map[string]interface{}{
				"userId": user.ID,
			}); err != nil {
				return err
			}
		}
		userCopy := *user
		stored = &userCopy
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	return stored, created, nil
}

// SetCustomerID implements gocredits.Storage
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	var stored string
	err := s.runTransaction(ctx, func(tx *firestore.Transaction) error {
		user, err := s.lockUser(tx, userID)
		if err != nil {
			return err
		}
		if user.CustomerID != "" {
			stored = user.CustomerID
			return nil
		}

		if err := tx.Update(s.userDoc(userID), []firestore.Update{
			{Path: "customerId", Value: customerID},
			{Path: "updatedAt", Value: time.Now().UTC()},
		}); err != nil {
			return err
		}
		if err := tx.Set(s.customerDoc(customerID), map[string]interface{}{
			"userId": userID,
		}); err != nil {
			return err
		}
		stored = customerID
		return nil
	})
	if err != nil {
		if errors.Is(err, gocredits.ErrUserNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to set customer id: %w", err)
	}
	return stored, nil
}

// ApplyTransition implements gocredits.Storage
func (s *Storage) ApplyTransition(ctx context.Context, req *gocredits.TransitionRequest) (*gocredits.Outcome, error) {
	var outcome *gocredits.Outcome
	err := s.runTransaction(ctx, func(tx *firestore.Transaction) error {
		// Firestore requires every read before the first write
		user, err := s.lockUser(tx, req.UserID)
		if err != nil {
			return err
		}

		notApplied := func(reason gocredits.OutcomeReason) error {
			outcome = &gocredits.Outcome{Reason: reason, Plan: user.Plan, Credits: user.Credits}
			return nil
		}
		switch {
		case user.Plan == req.ToPlan:
			return notApplied(gocredits.ReasonAlreadyOnPlan)
		case user.Plan != req.FromPlan:
			return notApplied(gocredits.ReasonPlanChanged)
		}

		if req.SubscriptionID != "" {
			snap, err := tx.Get(s.cancelledDoc(req.UserID, req.SubscriptionID))
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap != nil && snap.Exists() {
				return notApplied(gocredits.ReasonCancelledSubscription)
			}
		}

		var recordRef *firestore.DocumentRef
		if req.Key != "" {
			recordRef = s.transitionDoc(req.Key)
			snap, err := tx.Get(recordRef)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap != nil && snap.Exists() {
				return notApplied(gocredits.ReasonDuplicate)
			}
		}

		subscriptionID := req.SubscriptionID
		if req.ToPlan == gocredits.PlanFree {
			subscriptionID = ""
		}
		credits := user.Credits + req.CreditDelta
		if err := tx.Update(s.userDoc(req.UserID), []firestore.Update{
			{Path: "credits", Value: credits},
			{Path: "plan", Value: string(req.ToPlan)},
			{Path: "subscriptionId", Value: subscriptionID},
			{Path: "updatedAt", Value: req.Now},
		}); err != nil {
			return err
		}

		if recordRef != nil {
			if err := tx.Create(recordRef, map[string]interface{}{
				"key":            req.Key,
				"userId":         req.UserID,
				"fromPlan":       string(req.FromPlan),
				"toPlan":         string(req.ToPlan),
				"credits":        req.CreditDelta,
				"subscriptionId": req.SubscriptionID,
				"kind":           string(req.Kind),
				"eventId":        req.EventID,
				"createdAt":      req.Now,
			}); err != nil {
				return err
			}
		}

		outcome = &gocredits.Outcome{
			Applied: true,
			Reason:  gocredits.ReasonApplied,
			Plan:    req.ToPlan,
			Credits: credits,
			Granted: req.CreditDelta,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gocredits.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply transition: %w", err)
	}
	return outcome, nil
}

// ApplyCancel implements gocredits.Storage
func (s *Storage) ApplyCancel(ctx context.Context, req *gocredits.CancelRequest) (*gocredits.Outcome, error) {
	var outcome *gocredits.Outcome
	err := s.runTransaction(ctx, func(tx *firestore.Transaction) error {
		user, err := s.lockUser(tx, req.UserID)
		if err != nil {
			return err
		}

		if req.SubscriptionID != "" {
			if err := tx.Set(s.cancelledDoc(req.UserID, req.SubscriptionID), map[string]interface{}{
				"userId":         req.UserID,
				"subscriptionId": req.SubscriptionID,
				"cancelledAt":    req.Now,
			}); err != nil {
				return err
			}
		}

		switch {
		case user.SubscriptionID != "" && req.SubscriptionID != "" && user.SubscriptionID != req.SubscriptionID:
			outcome = &gocredits.Outcome{Reason: gocredits.ReasonStaleCancel, Plan: user.Plan, Credits: user.Credits}
			return nil
		case user.Plan == gocredits.PlanFree && user.SubscriptionID == "":
			outcome = &gocredits.Outcome{Reason: gocredits.ReasonAlreadyOnPlan, Plan: user.Plan, Credits: user.Credits}
			return nil
		}

		if err := tx.Update(s.userDoc(req.UserID), []firestore.Update{
			{Path: "plan", Value: string(gocredits.PlanFree)},
			{Path: "subscriptionId", Value: ""},
			{Path: "updatedAt", Value: req.Now},
		}); err != nil {
			return err
		}
		outcome = &gocredits.Outcome{
			Applied: true,
			Reason:  gocredits.ReasonApplied,
			Plan:    gocredits.PlanFree,
			Credits: user.Credits,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gocredits.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply cancel: %w", err)
	}
	return outcome, nil
}

// AddCredits implements gocredits.Storage
func (s *Storage) AddCredits(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gocredits.ErrInvalidAmount
	}
	return s.adjustCredits(ctx, userID, amount)
}

// DebitCredits implements gocredits.Storage
func (s *Storage) DebitCredits(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gocredits.ErrInvalidAmount
	}
	return s.adjustCredits(ctx, userID, -amount)
}

// adjustCredits applies delta unless the balance would go negative
func (s *Storage) adjustCredits(ctx context.Context, userID string, delta int) (int, error) {
	var credits int
	err := s.runTransaction(ctx, func(tx *firestore.Transaction) error {
		user, err := s.lockUser(tx, userID)
		if err != nil {
			return err
		}
		credits = user.Credits
		if user.Credits+delta < 0 {
			return gocredits.ErrInsufficientCredits
		}
		credits = user.Credits + delta
		return tx.Update(s.userDoc(userID), []firestore.Update{
			{Path: "credits", Value: credits},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	switch {
	case err == nil:
		return credits, nil
	case errors.Is(err, gocredits.ErrInsufficientCredits):
		return credits, gocredits.ErrInsufficientCredits
	case errors.Is(err, gocredits.ErrUserNotFound):
		return 0, gocredits.ErrUserNotFound
	default:
		return 0, fmt.Errorf("failed to adjust credits: %w", err)
	}
}

// GetTransitionRecord implements gocredits.Storage
func (s *Storage) GetTransitionRecord(ctx context.Context, key string) (*gocredits.TransitionRecord, error) {
	snap, err := s.transitionDoc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No record found is not an error
		}
		return nil, fmt.Errorf("failed to get transition record: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &gocredits.TransitionRecord{
		Key:            getString(data, "key"),
		UserID:         getString(data, "userId"),
		FromPlan:       gocredits.Plan(getString(data, "fromPlan")),
		ToPlan:         gocredits.Plan(getString(data, "toPlan")),
		Credits:        getInt(data, "credits"),
		SubscriptionID: getString(data, "subscriptionId"),
		Kind:           gocredits.EventKind(getString(data, "kind")),
		EventID:        getString(data, "eventId"),
		CreatedAt:      getTime(data, "createdAt"),
	}, nil
}

func (s *Storage) runTransaction(ctx context.Context, f func(*firestore.Transaction) error) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return f(tx)
	}, firestore.MaxAttempts(s.maxAttempts))
}

// lockUser reads the user document inside tx
func (s *Storage) lockUser(tx *firestore.Transaction, userID string) (*gocredits.User, error) {
	snap, err := tx.Get(s.userDoc(userID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gocredits.ErrUserNotFound
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, gocredits.ErrUserNotFound
	}
	return decodeUser(userID, snap.Data()), nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(docID(userID))
}

func (s *Storage) customerDoc(customerID string) *firestore.DocumentRef {
	return s.client.Collection(s.customersCollection).Doc(docID(customerID))
}

func (s *Storage) transitionDoc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.transitionsCollection).Doc(docID(key))
}

func (s *Storage) cancelledDoc(userID, subscriptionID string) *firestore.DocumentRef {
	return s.client.Collection(s.cancelledCollection).Doc(docID(userID + "|" + subscriptionID))
}

// docID escapes slashes, which Firestore treats as path separators
func docID(id string) string {
	return url.PathEscape(id)
}

func encodeUser(user *gocredits.User) map[string]interface{} {
	return map[string]interface{}{
		"email":          user.Email,
		"credits":        user.Credits,
		"plan":           string(user.Plan),
		"customerId":     user.CustomerID,
		"subscriptionId": user.SubscriptionID,
		"createdAt":      user.CreatedAt,
		"updatedAt":      user.UpdatedAt,
	}
}

func decodeUser(userID string, data map[string]interface{}) *gocredits.User {
	return &gocredits.User{
		ID:             userID,
		Email:          getString(data, "email"),
		Credits:        getInt(data, "credits"),
		Plan:           gocredits.Plan(getString(data, "plan")),
		CustomerID:     getString(data, "customerId"),
		SubscriptionID: getString(data, "subscriptionId"),
		CreatedAt:      getTime(data, "createdAt"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

var _ gocredits.Storage = (*Storage)(nil)
