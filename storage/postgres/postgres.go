// Package postgres provides a PostgreSQL implementation of the gocredits.Storage interface.
// Ledger writes run in a transaction that locks the user row with SELECT FOR UPDATE,
// so the plan check, credit grant and transition record commit together.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Schema creates the tables used by Storage. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL DEFAULT '',
	credits         BIGINT NOT NULL DEFAULT 0,
	plan            TEXT NOT NULL DEFAULT 'FREE',
	customer_id     TEXT UNIQUE,
	subscription_id TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transitions (
	key             TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id),
	from_plan       TEXT NOT NULL,
	to_plan         TEXT NOT NULL,
	credits         BIGINT NOT NULL,
	subscription_id TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	event_id        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS credit_transitions_user_idx ON credit_transitions (user_id);

CREATE TABLE IF NOT EXISTS cancelled_subscriptions (
	user_id         TEXT NOT NULL REFERENCES users(id),
	subscription_id TEXT NOT NULL,
	cancelled_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, subscription_id)
);
`

const userColumns = `id, email, credits, plan, COALESCE(customer_id, ''), subscription_id, created_at, updated_at`

// Storage implements gocredits.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies Schema when the storage is created
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the ledger tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*gocredits.User, error) {
	var (
		user    gocredits.User
		plan    string
		credits int64
	)
	err := row.Scan(&user.ID, &user.Email, &credits, &plan, &user.CustomerID,
		&user.SubscriptionID, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocredits.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Credits = int(credits)
	user.Plan = gocredits.Plan(plan)
	return &user, nil
}

// GetUser implements gocredits.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*gocredits.User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil && !errors.Is(err, gocredits.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, err
}

// FindUserByCustomerID implements gocredits.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*gocredits.User, error) {
	if customerID == "" {
		return nil, gocredits.ErrUserNotFound
	}
	user, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE customer_id = $1`, customerID))
	if err != nil && !errors.Is(err, gocredits.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to find user by customer: %w", err)
	}
	return user, err
}

// CreateUser implements gocredits.Storage
func (s *Storage) CreateUser(ctx context.Context, user *gocredits.User) (*gocredits.User, bool, error) {
	if user == nil || user.ID == "" {
		return nil, false, fmt.Errorf("invalid user")
	}

	created, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, credits, plan, customer_id, subscription_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
			RETURNING `+userColumns,
		user.ID, user.Email, user.Credits, string(user.Plan), user.CustomerID,
		user.SubscriptionID, user.CreatedAt, user.UpdatedAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, gocredits.ErrUserNotFound) {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	// ON CONFLICT returned no row: the user already exists
	existing, err := s.GetUser(ctx, user.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// SetCustomerID implements gocredits.Storage
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	var stored string
	err := s.pool.QueryRow(ctx,
		`UPDATE users
			SET customer_id = COALESCE(NULLIF(customer_id, ''), $2),
				updated_at = CASE WHEN COALESCE(customer_id, '') = '' THEN now() ELSE updated_at END
			WHERE id = $1
			RETURNING customer_id`,
		userID, customerID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", gocredits.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to set customer id: %w", err)
	}
	return stored, nil
}

// ApplyTransition implements gocredits.Storage
func (s *Storage) ApplyTransition(ctx context.Context, req *gocredits.TransitionRequest) (*gocredits.Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	user, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, req.UserID))
	if err != nil {
		if errors.Is(err, gocredits.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	notApplied := func(reason gocredits.OutcomeReason) (*gocredits.Outcome, error) {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return &gocredits.Outcome{Reason: reason, Plan: user.Plan, Credits: user.Credits}, nil
	}
	switch {
	case user.Plan == req.ToPlan:
		return notApplied(gocredits.ReasonAlreadyOnPlan)
	case user.Plan != req.FromPlan:
		return notApplied(gocredits.ReasonPlanChanged)
	}

	if req.SubscriptionID != "" {
		var cancelled bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM cancelled_subscriptions WHERE user_id = $1 AND subscription_id = $2)`,
			req.UserID, req.SubscriptionID).Scan(&cancelled)
		if err != nil {
			return nil, fmt.Errorf("failed to check subscription: %w", err)
		}
		if cancelled {
			return notApplied(gocredits.ReasonCancelledSubscription)
		}
	}

	if req.Key != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_transitions
				(key, user_id, from_plan, to_plan, credits, subscription_id, kind, event_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (key) DO NOTHING`,
			req.Key, req.UserID, string(req.FromPlan), string(req.ToPlan), req.CreditDelta,
			req.SubscriptionID, string(req.Kind), req.EventID, req.Now)
		if err != nil {
			return nil, fmt.Errorf("failed to record transition: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return notApplied(gocredits.ReasonDuplicate)
		}
	}

	subscriptionID := req.SubscriptionID
	if req.ToPlan == gocredits.PlanFree {
		subscriptionID = ""
	}
	var credits int64
	err = tx.QueryRow(ctx,
		`UPDATE users SET credits = credits + $2, plan = $3, subscription_id = $4, updated_at = $5
			WHERE id = $1
			RETURNING credits`,
		req.UserID, req.CreditDelta, string(req.ToPlan), subscriptionID, req.Now).Scan(&credits)
	if err != nil {
		return nil, fmt.Errorf("failed to apply transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &gocredits.Outcome{
		Applied: true,
		Reason:  gocredits.ReasonApplied,
		Plan:    req.ToPlan,
		Credits: int(credits),
		Granted: req.CreditDelta,
	}, nil
}

// ApplyCancel implements gocredits.Storage
func (s *Storage) ApplyCancel(ctx context.Context, req *gocredits.CancelRequest) (*gocredits.Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	user, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, req.UserID))
	if err != nil {
		if errors.Is(err, gocredits.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	if req.SubscriptionID != "" {
		_, err := tx.Exec(ctx,
			`INSERT INTO cancelled_subscriptions (user_id, subscription_id, cancelled_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, subscription_id) DO NOTHING`,
			req.UserID, req.SubscriptionID, req.Now)
		if err != nil {
			return nil, fmt.Errorf("failed to record cancelled subscription: %w", err)
		}
	}

	var reason gocredits.OutcomeReason
	switch {
	case user.SubscriptionID != "" && req.SubscriptionID != "" && user.SubscriptionID != req.SubscriptionID:
		reason = gocredits.ReasonStaleCancel
	case user.Plan == gocredits.PlanFree && user.SubscriptionID == "":
		reason = gocredits.ReasonAlreadyOnPlan
	}
	if reason != "" {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return &gocredits.Outcome{Reason: reason, Plan: user.Plan, Credits: user.Credits}, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET plan = $2, subscription_id = '', updated_at = $3 WHERE id = $1`,
		req.UserID, string(gocredits.PlanFree), req.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to apply cancel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &gocredits.Outcome{
		Applied: true,
		Reason:  gocredits.ReasonApplied,
		Plan:    gocredits.PlanFree,
		Credits: user.Credits,
	}, nil
}

// AddCredits implements gocredits.Storage
func (s *Storage) AddCredits(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gocredits.ErrInvalidAmount
	}

	var credits int64
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET credits = credits + $2, updated_at = now() WHERE id = $1 RETURNING credits`,
		userID, amount).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, gocredits.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to add credits: %w", err)
	}
	return int(credits), nil
}

// DebitCredits implements gocredits.Storage
func (s *Storage) DebitCredits(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gocredits.ErrInvalidAmount
	}

	var credits int64
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET credits = credits - $2, updated_at = now()
			WHERE id = $1 AND credits >= $2
			RETURNING credits`,
		userID, amount).Scan(&credits)
	if err == nil {
		return int(credits), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to debit credits: %w", err)
	}

	// No row updated: either the user is missing or the balance is too low
	user, getErr := s.GetUser(ctx, userID)
	if getErr != nil {
		return 0, getErr
	}
	return user.Credits, gocredits.ErrInsufficientCredits
}

// GetTransitionRecord implements gocredits.Storage
func (s *Storage) GetTransitionRecord(ctx context.Context, key string) (*gocredits.TransitionRecord, error) {
	var (
		record         gocredits.TransitionRecord
		from, to, kind string
		credits        int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT key, user_id, from_plan, to_plan, credits, subscription_id, kind, event_id, created_at
			FROM credit_transitions WHERE key = $1`, key).
		Scan(&record.Key, &record.UserID, &from, &to, &credits,
			&record.SubscriptionID, &kind, &record.EventID, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transition record: %w", err)
	}
	record.FromPlan = gocredits.Plan(from)
	record.ToPlan = gocredits.Plan(to)
	record.Credits = int(credits)
	record.Kind = gocredits.EventKind(kind)
	return &record, nil
}

var _ gocredits.Storage = (*Storage)(nil)
