package gocredits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ledger owns every mutation of a user's plan and credit balance.
// Webhook processing, checkout confirmation and metered operations all write
// through it so that storage-level conditions decide races.
type Ledger struct {
	storage Storage
	config  Config
	catalog *PlanCatalog
	metrics Metrics
	logger  Logger
	now     func() time.Time
}

// NewLedger creates a ledger with the given storage and configuration
func NewLedger(storage Storage, config Config) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.SignupCredits == 0 {
		config.SignupCredits = DefaultSignupCredits
	}
	if config.SignupCredits < 0 {
		return nil, fmt.Errorf("%w: signup credits must not be negative", ErrInvalidAmount)
	}
	switch config.ResubscribePolicy {
	case "":
		config.ResubscribePolicy = GrantPerSubscription
	case GrantPerSubscription, GrantOncePerPlan:
	default:
		return nil, fmt.Errorf("unknown resubscribe policy %q", config.ResubscribePolicy)
	}
	if config.MaxConflictRetries <= 0 {
		config.MaxConflictRetries = 3
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		metrics := config.Metrics
		cb := NewDefaultCircuitBreaker(cbc.FailureThreshold, cbc.ResetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		storage = NewCircuitBreakerStorage(storage, cb, metrics)
	}

	return &Ledger{
		storage: storage,
		config:  config,
		catalog: config.Catalog,
		metrics: config.Metrics,
		logger:  config.Logger,
		now:     config.Now,
	}, nil
}

// Catalog returns the plan catalog shared with checkout creation
func (l *Ledger) Catalog() *PlanCatalog {
	return l.catalog
}

// Register creates a FREE user with the signup grant. Registering an existing
// user returns the stored row.
func (l *Ledger) Register(ctx context.Context, userID, email string) (*User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrUserNotFound)
	}
	now := l.now()
	user, created, err := l.storage.CreateUser(ctx, &User{
		ID:        userID,
		Email:     email,
		Credits:   l.config.SignupCredits,
		Plan:      PlanFree,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if created {
		l.logger.Info("user registered",
			Field{"user_id", userID},
			Field{"credits", user.Credits},
		)
	}
	return user, nil
}

// User returns the stored ledger row
func (l *Ledger) User(ctx context.Context, userID string) (*User, error) {
	return l.storage.GetUser(ctx, userID)
}

// Balance returns the credit balance and plan of a user
func (l *Ledger) Balance(ctx context.Context, userID string) (int, Plan, error) {
	user, err := l.storage.GetUser(ctx, userID)
	if err != nil {
		return 0, "", err
	}
	return user.Credits, user.Plan, nil
}

// UserByCustomerID resolves a provider customer to a user
func (l *Ledger) UserByCustomerID(ctx context.Context, customerID string) (*User, error) {
	if customerID == "" {
		return nil, ErrUserNotFound
	}
	return l.storage.FindUserByCustomerID(ctx, customerID)
}

// AttachCustomer stores the provider customer id unless one is already set.
// The returned id is the one every later call must use.
func (l *Ledger) AttachCustomer(ctx context.Context, userID, customerID string) (string, error) {
	if customerID == "" {
		return "", errors.New("empty customer id")
	}
	stored, err := l.storage.SetCustomerID(ctx, userID, customerID)
	if err != nil {
		return "", err
	}
	if stored != customerID {
		l.logger.Warn("customer id already attached, keeping existing",
			Field{"user_id", userID},
			Field{"customer_id", stored},
			Field{"discarded_customer_id", customerID},
		)
	}
	return stored, nil
}

// Debit atomically subtracts credits. The balance never goes negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	total, err := l.storage.DebitCredits(ctx, userID, amount)
	l.metrics.RecordDebit(amount, err == nil)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Credit atomically adds credits outside of any plan transition (refunds, manual grants)
func (l *Ledger) Credit(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.storage.AddCredits(ctx, userID, amount)
}

// TransitionRecord returns the audit row for a transition key, nil if none
func (l *Ledger) TransitionRecord(ctx context.Context, key string) (*TransitionRecord, error) {
	return l.storage.GetTransitionRecord(ctx, key)
}

// Reconcile applies the plan change an intent asks for, at most once per
// transition instance. Unsupported or invalid transitions return an error and
// write nothing. Conflicts with concurrent writers end as not-applied outcomes.
func (l *Ledger) Reconcile(ctx context.Context, intent Intent, kind EventKind, eventID string) (*Outcome, error) {
	if intent.UserID == "" {
		return nil, ErrUnresolvableIntent
	}
	if kind == EventSubscriptionDeleted {
		return l.Cancel(ctx, intent.UserID, intent.SubscriptionID)
	}

	if intent.CreditGrant != 0 && intent.CreditGrant != l.catalog.Credits(intent.Plan) {
		l.logger.Warn("intent credit grant differs from plan table, using table",
			Field{"user_id", intent.UserID},
			Field{"plan", intent.Plan},
			Field{"intent_credits", intent.CreditGrant},
			Field{"table_credits", l.catalog.Credits(intent.Plan)},
		)
	}

	var (
		out  *Outcome
		from Plan
	)
	for attempt := 0; attempt < l.config.MaxConflictRetries; attempt++ {
		user, err := l.storage.GetUser(ctx, intent.UserID)
		if err != nil {
			return nil, err
		}
		from = user.Plan

		tr, err := ResolveTransition(l.catalog, user.Plan, intent.Plan, kind)
		if err != nil {
			l.metrics.RecordTransition(user.Plan, intent.Plan, kind, "rejected", 0)
			return nil, err
		}
		if tr.NoOp {
			out = &Outcome{Reason: ReasonAlreadyOnPlan, Plan: user.Plan, Credits: user.Credits}
			break
		}

		req := &TransitionRequest{
			Key:            TransitionKey(l.config.ResubscribePolicy, user.ID, tr.To, intent.SubscriptionID),
			UserID:         user.ID,
			FromPlan:       tr.From,
			ToPlan:         tr.To,
			CreditDelta:    tr.CreditDelta,
			SubscriptionID: intent.SubscriptionID,
			Kind:           kind,
			EventID:        eventID,
			Now:            l.now(),
		}
		out, err = l.storage.ApplyTransition(ctx, req)
		if err != nil {
			return nil, err
		}

		if out.Reason == ReasonDuplicate && l.config.ResubscribePolicy == GrantOncePerPlan {
			// The plan was granted before; switch without crediting.
			req.Key = ""
			req.CreditDelta = 0
			out, err = l.storage.ApplyTransition(ctx, req)
			if err != nil {
				return nil, err
			}
		}

		if out.Reason != ReasonPlanChanged {
			break
		}
		l.logger.Debug("plan changed concurrently, retrying",
			Field{"user_id", user.ID},
			Field{"attempt", attempt + 1},
		)
	}

	l.metrics.RecordTransition(from, intent.Plan, kind, out.Reason, out.Granted)
	l.logger.Info("reconciliation finished",
		Field{"user_id", intent.UserID},
		Field{"event_id", eventID},
		Field{"kind", kind},
		Field{"plan", out.Plan},
		Field{"reason", out.Reason},
		Field{"granted", out.Granted},
		Field{"credits", out.Credits},
	)
	return out, nil
}

// Cancel returns a user to FREE and clears the subscription. Credits are kept.
// A cancellation for a subscription other than the stored one is ignored.
func (l *Ledger) Cancel(ctx context.Context, userID, subscriptionID string) (*Outcome, error) {
	if userID == "" {
		return nil, ErrUnresolvableIntent
	}
	out, err := l.storage.ApplyCancel(ctx, &CancelRequest{
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Now:            l.now(),
	})
	if err != nil {
		return nil, err
	}
	l.metrics.RecordTransition("", PlanFree, EventSubscriptionDeleted, out.Reason, 0)
	l.logger.Info("subscription cancellation handled",
		Field{"user_id", userID},
		Field{"subscription_id", subscriptionID},
		Field{"reason", out.Reason},
	)
	return out, nil
}
