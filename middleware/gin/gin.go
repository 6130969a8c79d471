// Package gin provides Gin middleware that charges credits for paid operations
package gin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// DefaultCost is the number of credits charged per request when GetAmount is nil
const DefaultCost = 100

// CreditsRemainingKey is the Gin context key holding the balance after the debit
const CreditsRemainingKey = "credits_remaining"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// AmountExtractor calculates the credits to charge from the Gin context
type AmountExtractor func(c *gongin.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Ledger is the credit ledger instance
	Ledger *gocredits.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetAmount calculates the charge (default: FixedAmount(DefaultCost))
	GetAmount AmountExtractor

	// RefundOnServerError credits the charge back when the handler responds >= 500
	RefundOnServerError bool

	// OnInsufficientCredits is called when the balance cannot cover the charge
	// If nil, uses default response: 402 JSON with required and available credits
	OnInsufficientCredits func(c *gongin.Context, required, balance int)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that debits credits before the handler runs
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gocredits/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredits/gin: Config.GetUserID is required")
	}
	if cfg.GetAmount == nil {
		cfg.GetAmount = FixedAmount(DefaultCost)
	}

	return func(c *gongin.Context) {
		// Extract user ID
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil {
				err = fmt.Errorf("%w: %d", gocredits.ErrInvalidAmount, amount)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		remaining, err := cfg.Ledger.Debit(ctx, userID, amount)
		if err != nil {
			if errors.Is(err, gocredits.ErrInsufficientCredits) {
				balance, _, _ := cfg.Ledger.Balance(ctx, userID)
				if cfg.OnInsufficientCredits != nil {
					cfg.OnInsufficientCredits(c, amount, balance)
				} else {
					defaultInsufficientCredits(c, amount, balance)
				}
				c.Abort()
				return
			}

			// Other errors (storage, unknown user, etc.)
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		c.Set(CreditsRemainingKey, remaining)
		c.Header("X-Credits-Remaining", strconv.Itoa(remaining))

		// Proceed to handler
		c.Next()

		if cfg.RefundOnServerError && c.Writer.Status() >= http.StatusInternalServerError {
			_, _ = cfg.Ledger.Credit(context.WithoutCancel(ctx), userID, amount)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultInsufficientCredits(c *gongin.Context, required, balance int) {
	c.JSON(http.StatusPaymentRequired, gongin.H{
		"error":    "Insufficient credits",
		"required": required,
		"credits":  balance,
	})
}

func defaultError(c *gongin.Context, err error) {
	if errors.Is(err, gocredits.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gongin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In credit middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*gongin.Context) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) int) AmountExtractor {
	return func(c *gongin.Context) (int, error) {
		return costFunc(c), nil
	}
}
