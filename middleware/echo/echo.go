// Package echo provides Echo middleware that charges credits for paid operations
package echo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// DefaultCost is the number of credits charged per request when GetAmount is nil
const DefaultCost = 100

// CreditsRemainingKey is the Echo context key holding the balance after the debit
const CreditsRemainingKey = "credits_remaining"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// AmountExtractor calculates the credits to charge from the Echo context
type AmountExtractor func(c echo.Context) (int, error)

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
	OnInsufficientCredits func(c echo.Context, required, balance int) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that debits credits before the handler runs
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gocredits/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredits/echo: Config.GetUserID is required")
	}
	if cfg.GetAmount == nil {
		cfg.GetAmount = FixedAmount(DefaultCost)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
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
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ctx := c.Request().Context()
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

			c.Set(CreditsRemainingKey, remaining)
			c.Response().Header().Set("X-Credits-Remaining", strconv.Itoa(remaining))

			// Proceed to handler
			handlerErr := next(c)
			if cfg.RefundOnServerError && statusOf(c, handlerErr) >= http.StatusInternalServerError {
				_, _ = cfg.Ledger.Credit(context.WithoutCancel(ctx), userID, amount)
			}
			return handlerErr
		}
	}
}

// statusOf returns the status the response will carry once Echo's error
// handler has run
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultInsufficientCredits(c echo.Context, required, balance int) error {
	return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
		"error":    "Insufficient credits",
		"required": required,
		"credits":  balance,
	})
}

func defaultError(c echo.Context, err error) error {
	if errors.Is(err, gocredits.ErrUserNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "User not found"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In credit middleware config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(echo.Context) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(echo.Context) int) AmountExtractor {
	return func(c echo.Context) (int, error) {
		return costFunc(c), nil
	}
}
