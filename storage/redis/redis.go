// Package redis provides a Redis implementation of the gocredits.Storage interface.
// This implementation uses atomic operations via Lua scripts for transaction safety.
//
// Each user is a hash with a set of cancelled subscription ids; the customer
// index and transition records are plain keys.
// Scripts touch several keys at once, so on Redis Cluster all keys must hash to
// one slot: set KeyPrefix to a hash tag such as "{gocredits}:".
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

const (
	statusOK           = "ok"
	statusNotFound     = "not_found"
	statusInsufficient = "insufficient"
)

// Storage implements gocredits.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocredits:")
	KeyPrefix string

	// TransitionTTL bounds how long transition records are kept (0 = forever).
	// A record that expires no longer blocks a replay of its event.
	TransitionTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gocredits:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocredits:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// KEYS: user, customer index. ARGV: id, email, credits, plan, customer, subscription, created, updated
	s.scripts["create"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1],
			'id', ARGV[1], 'email', ARGV[2], 'credits', ARGV[3], 'plan', ARGV[4],
			'customer_id', ARGV[5], 'subscription_id', ARGV[6],
			'created_at', ARGV[7], 'updated_at', ARGV[8])
		if ARGV[5] ~= '' then
			redis.call('SET', KEYS[2], ARGV[1])
		end
		return 1
	`)

	// KEYS: user, customer index. ARGV: customer, user id, updated
	s.scripts["setCustomer"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {'not_found', ''}
		end
		local current = redis.call('HGET', KEYS[1], 'customer_id') or ''
		if current ~= '' then
			return {'ok', current}
		end
		redis.call('HSET', KEYS[1], 'customer_id', ARGV[1], 'updated_at', ARGV[3])
		redis.call('SET', KEYS[2], ARGV[2])
		return {'ok', ARGV[1]}
	`)

	// KEYS: user, transition record, cancelled subscriptions.
	// ARGV: from, to, delta, subscription, updated, record, has key, record ttl seconds
	s.scripts["transition"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {'not_found', 0, ''}
		end
		local plan = redis.call('HGET', KEYS[1], 'plan') or ''
		local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
		if plan == ARGV[2] then
			return {'already_on_plan', credits, plan}
		end
		if plan ~= ARGV[1] then
			return {'plan_changed', credits, plan}
		end
		if ARGV[4] ~= '' and redis.call('SISMEMBER', KEYS[3], ARGV[4]) == 1 then
			return {'cancelled_subscription', credits, plan}
		end
		if ARGV[7] == '1' and redis.call('EXISTS', KEYS[2]) == 1 then
			return {'duplicate', credits, plan}
		end

		local newCredits = redis.call('HINCRBY', KEYS[1], 'credits', tonumber(ARGV[3]))
		local sub = ARGV[4]
		if ARGV[2] == 'FREE' then
			sub = ''
		end
		redis.call('HSET', KEYS[1], 'plan', ARGV[2], 'subscription_id', sub, 'updated_at', ARGV[5])

		if ARGV[7] == '1' then
			redis.call('SET', KEYS[2], ARGV[6])
			local ttl = tonumber(ARGV[8])
			if ttl > 0 then
				redis.call('EXPIRE', KEYS[2], ttl)
			end
		end
		return {'applied', newCredits, ARGV[2]}
	`)

	// KEYS: user, cancelled subscriptions. ARGV: subscription, updated
	s.scripts["cancel"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {'not_found', 0, ''}
		end
		if ARGV[1] ~= '' then
			redis.call('SADD', KEYS[2], ARGV[1])
		end
		local plan = redis.call('HGET', KEYS[1], 'plan') or ''
		local sub = redis.call('HGET', KEYS[1], 'subscription_id') or ''
		local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
		if sub ~= '' and ARGV[1] ~= '' and sub ~= ARGV[1] then
			return {'stale_subscription', credits, plan}
		end
		if plan == 'FREE' and sub == '' then
			return {'already_on_plan', credits, plan}
		end
		redis.call('HSET', KEYS[1], 'plan', 'FREE', 'subscription_id', '', 'updated_at', ARGV[2])
		return {'applied', credits, 'FREE'}
	`)

	// KEYS: user. ARGV: amount, updated
	s.scripts["add"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {'not_found', 0}
		end
		local credits = redis.call('HINCRBY', KEYS[1], 'credits', tonumber(ARGV[1]))
		redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
		return {'ok', credits}
	`)

	// KEYS: user. ARGV: amount, updated
	s.scripts["debit"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {'not_found', 0}
		end
		local amount = tonumber(ARGV[1])
		local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
		if credits < amount then
			return {'insufficient', credits}
		end
		credits = redis.call('HINCRBY', KEYS[1], 'credits', -amount)
		redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
		return {'ok', credits}
	`)
}

// GetUser implements gocredits.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*gocredits.User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, gocredits.ErrUserNotFound
	}
	return decodeUser(fields)
}

// FindUserByCustomerID implements gocredits.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*gocredits.User, error) {
	if customerID == "" {
		return nil, gocredits.ErrUserNotFound
	}
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if err == redis.Nil {
		return nil, gocredits.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by customer: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// CreateUser implements gocredits.Storage
func (s *Storage) CreateUser(ctx context.Context, user *gocredits.User) (*gocredits.User, bool, error) {
	if user == nil || user.ID == "" {
		return nil, false, fmt.Errorf("invalid user")
	}

	created, err := s.scripts["create"].Run(ctx, s.client,
		[]string{s.userKey(user.ID), s.customerKey(user.CustomerID)},
		user.ID, user.Email, user.Credits, string(user.Plan), user.CustomerID,
		user.SubscriptionID, formatTime(user.CreatedAt), formatTime(user.UpdatedAt),
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to execute create script: %w", err)
	}

	stored, err := s.GetUser(ctx, user.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

// SetCustomerID implements gocredits.Storage
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	result, err := s.scripts["setCustomer"].Run(ctx, s.client,
		[]string{s.userKey(userID), s.customerKey(customerID)},
		customerID, userID, formatTime(time.Now().UTC()),
	).Slice()
	if err != nil {
		return "", fmt.Errorf("failed to execute set customer script: %w", err)
	}
	if len(result) != 2 {
		return "", fmt.Errorf("unexpected script result format")
	}
	status, _ := result[0].(string)
	stored, _ := result[1].(string)
	if status == statusNotFound {
		return "", gocredits.ErrUserNotFound
	}
	return stored, nil
}

// ApplyTransition implements gocredits.Storage
func (s *Storage) ApplyTransition(ctx context.Context, req *gocredits.TransitionRequest) (*gocredits.Outcome, error) {
	hasKey := "0"
	recordData := ""
	if req.Key != "" {
		hasKey = "1"
		data, err := json.Marshal(&gocredits.TransitionRecord{
			Key:            req.Key,
			UserID:         req.UserID,
			FromPlan:       req.FromPlan,
			ToPlan:         req.ToPlan,
			Credits:        req.CreditDelta,
			SubscriptionID: req.SubscriptionID,
			Kind:           req.Kind,
			EventID:        req.EventID,
			CreatedAt:      req.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transition record: %w", err)
		}
		recordData = string(data)
	}

	ttl := int64(0)
	if s.config.TransitionTTL > 0 {
		ttl = int64(s.config.TransitionTTL.Seconds())
	}

	result, err := s.scripts["transition"].Run(ctx, s.client,
		[]string{s.userKey(req.UserID), s.transitionKey(req.Key), s.cancelledKey(req.UserID)},
		string(req.FromPlan), string(req.ToPlan), req.CreditDelta, req.SubscriptionID,
		formatTime(req.Now), recordData, hasKey, ttl,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute transition script: %w", err)
	}

	outcome, err := parseOutcome(result)
	if err != nil {
		return nil, err
	}
	if outcome.Applied {
		outcome.Granted = req.CreditDelta
	}
	return outcome, nil
}

// ApplyCancel implements gocredits.Storage
func (s *Storage) ApplyCancel(ctx context.Context, req *gocredits.CancelRequest) (*gocredits.Outcome, error) {
	result, err := s.scripts["cancel"].Run(ctx, s.client,
		[]string{s.userKey(req.UserID), s.cancelledKey(req.UserID)},
		req.SubscriptionID, formatTime(req.Now),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute cancel script: %w", err)
	}
	return parseOutcome(result)
}

// AddCredits implements gocredits.Storage
func (s *Storage) AddCredits(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gocredits.ErrInvalidAmount
	}
	credits, status, err := s.runBalanceScript(ctx, "add", userID, amount)
	if err != nil {
		return 0, err
	}
	if status == statusNotFound {
		return 0, gocredits.ErrUserNotFound
	}
	return credits, nil
}

// DebitCredits implements gocredits.Storage
func (s *Storage) DebitCredits(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gocredits.ErrInvalidAmount
	}
	credits, status, err := s.runBalanceScript(ctx, "debit", userID, amount)
	if err != nil {
		return 0, err
	}
	switch status {
	case statusNotFound:
		return 0, gocredits.ErrUserNotFound
	case statusInsufficient:
		return credits, gocredits.ErrInsufficientCredits
	}
	return credits, nil
}

func (s *Storage) runBalanceScript(ctx context.Context, name, userID string, amount int) (int, string, error) {
	result, err := s.scripts[name].Run(ctx, s.client,
		[]string{s.userKey(userID)},
		amount, formatTime(time.Now().UTC()),
	).Slice()
	if err != nil {
		return 0, "", fmt.Errorf("failed to execute %s script: %w", name, err)
	}
	if len(result) != 2 {
		return 0, "", fmt.Errorf("unexpected script result format")
	}
	status, ok := result[0].(string)
	if !ok {
		return 0, "", fmt.Errorf("failed to parse status")
	}
	credits, ok := result[1].(int64)
	if !ok {
		return 0, "", fmt.Errorf("failed to parse credits")
	}
	if status != statusOK && status != statusNotFound && status != statusInsufficient {
		return 0, "", fmt.Errorf("unexpected script status %q", status)
	}
	return int(credits), status, nil
}

// GetTransitionRecord implements gocredits.Storage
func (s *Storage) GetTransitionRecord(ctx context.Context, key string) (*gocredits.TransitionRecord, error) {
	data, err := s.client.Get(ctx, s.transitionKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transition record: %w", err)
	}

	var record gocredits.TransitionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transition record: %w", err)
	}
	return &record, nil
}

// parseOutcome decodes the {reason, credits, plan} triple returned by the
// transition and cancel scripts
func parseOutcome(result []interface{}) (*gocredits.Outcome, error) {
	if len(result) != 3 {
		return nil, fmt.Errorf("unexpected script result format")
	}
	reason, ok := result[0].(string)
	if !ok {
		return nil, fmt.Errorf("failed to parse reason")
	}
	credits, ok := result[1].(int64)
	if !ok {
		return nil, fmt.Errorf("failed to parse credits")
	}
	plan, _ := result[2].(string)

	if reason == statusNotFound {
		return nil, gocredits.ErrUserNotFound
	}
	outcome := &gocredits.Outcome{
		Reason:  gocredits.OutcomeReason(reason),
		Plan:    gocredits.Plan(plan),
		Credits: int(credits),
	}
	switch outcome.Reason {
	case gocredits.ReasonApplied:
		outcome.Applied = true
	case gocredits.ReasonAlreadyOnPlan, gocredits.ReasonPlanChanged,
		gocredits.ReasonDuplicate, gocredits.ReasonStaleCancel, gocredits.ReasonCancelledSubscription:
	default:
		return nil, fmt.Errorf("unexpected script reason %q", reason)
	}
	return outcome, nil
}

func decodeUser(fields map[string]string) (*gocredits.User, error) {
	credits, err := strconv.Atoi(fields["credits"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse credits: %w", err)
	}
	user := &gocredits.User{
		ID:             fields["id"],
		Email:          fields["email"],
		Credits:        credits,
		Plan:           gocredits.Plan(fields["plan"]),
		CustomerID:     fields["customer_id"],
		SubscriptionID: fields["subscription_id"],
	}
	if user.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if user.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	return user, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return t, nil
}

// userKey generates the Redis key for a user hash
func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.config.KeyPrefix, userID)
}

// cancelledKey generates the Redis key of the set of a user's cancelled subscriptions
func (s *Storage) cancelledKey(userID string) string {
	return fmt.Sprintf("%scancelled:%s", s.config.KeyPrefix, userID)
}

// customerKey generates the Redis key mapping a customer id to a user
func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

// transitionKey generates the Redis key for transition records
func (s *Storage) transitionKey(key string) string {
	return fmt.Sprintf("%stransition:%s", s.config.KeyPrefix, key)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ gocredits.Storage = (*Storage)(nil)
