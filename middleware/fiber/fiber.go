// Package fiber provides Fiber middleware that charges credits for paid operations
package fiber

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// DefaultCost is the number of credits charged per request when GetAmount is nil
const DefaultCost = 100

// CreditsRemainingKey is the Locals key holding the balance after the debit
const CreditsRemainingKey = "credits_remaining"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the credits to charge from the Fiber context
type AmountExtractor func(c *fiber.Ctx) (int, error)

// Config holds middleware configuration
type Config struct {
	// Ledger is the credit ledger instance
	Ledger *gocredits.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetAmount calculates the charge (default: FixedAmount(DefaultCost))
	GetAmount AmountExtractor

	// RefundOnServerError credits the charge back when the handler fails with >= 500
	RefundOnServerError bool

	// OnInsufficientCredits is called when the balance cannot cover the charge
	// If nil, uses default response: 402 JSON with required and available credits
	OnInsufficientCredits func(c *fiber.Ctx, required, balance int) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that debits credits before the handler runs
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gocredits/fiber: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredits/fiber: Config.GetUserID is required")
	}
	if cfg.GetAmount == nil {
		cfg.GetAmount = FixedAmount(DefaultCost)
	}

	return func(c *fiber.Ctx) error {
		// Extract user ID
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil {
				err = fmt.Errorf("%w: %d", gocredits.ErrInvalidAmount, amount)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		// Fiber uses fasthttp, so c.UserContext() carries the context.Context
		ctx := c.UserContext()
		remaining, err := cfg.Ledger.Debit(ctx, userID, amount)
		if err != nil {
			if errors.Is(err, gocredits.ErrInsufficientCredits) {
				balance, _, _ := cfg.Ledger.Balance(ctx, userID)
				if cfg.OnInsufficientCredits != nil {
					return cfg.OnInsufficientCredits(c, amount, balance)
				}
				return defaultInsufficientCredits(c, amount, balance)
			}

			// Other errors (storage, unknown user, etc.)
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}

		c.Locals(CreditsRemainingKey, remaining)
		c.Set("X-Credits-Remaining", strconv.Itoa(remaining))

		// Proceed to handler
		handlerErr := c.Next()
		if cfg.RefundOnServerError && statusOf(c, handlerErr) >= fiber.StatusInternalServerError {
			_, _ = cfg.Ledger.Credit(context.WithoutCancel(ctx), userID, amount)
		}
		return handlerErr
	}
}

// statusOf returns the status the response will carry once Fiber's error
// handler has run
func statusOf(c *fiber.Ctx, err error) int {
	if err == nil {
		return c.Response().StatusCode()
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultInsufficientCredits(c *fiber.Ctx, required, balance int) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
		"error":    "Insufficient credits",
		"required": required,
		"credits":  balance,
	})
}

func defaultError(c *fiber.Ctx, err error) error {
	if errors.Is(err, gocredits.ErrUserNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "User not found"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In credit middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*fiber.Ctx) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*fiber.Ctx) int) AmountExtractor {
	return func(c *fiber.Ctx) (int, error) {
		return costFunc(c), nil
	}
}
