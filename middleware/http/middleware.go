// Package http provides HTTP middleware that charges credits for paid operations
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// DefaultCost is the number of credits charged per request when GetAmount is nil
const DefaultCost = 100

// HeaderCreditsRemaining reports the balance after a successful debit
const HeaderCreditsRemaining = "X-Credits-Remaining"

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// AmountExtractor calculates the credits to charge for the request
type AmountExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Ledger is the credit ledger instance
	Ledger *gocredits.Ledger

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetAmount calculates the charge (default: FixedAmount(DefaultCost))
	GetAmount AmountExtractor

	// RefundOnServerError credits the charge back when the handler responds >= 500
	RefundOnServerError bool

	// OnInsufficientCredits is called when the balance cannot cover the charge
	// If nil, returns 402 Payment Required
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, required, balance int)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that debits credits before the handler runs
func Middleware(config Config) func(http.Handler) http.Handler {
	// Validate required configuration at startup (fail fast)
	if config.Ledger == nil {
		panic("gocredits/http: Config.Ledger is required")
	}
	if config.GetUserID == nil {
		panic("gocredits/http: Config.GetUserID is required")
	}
	if config.GetAmount == nil {
		config.GetAmount = FixedAmount(DefaultCost)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract user ID
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
				}
				return
			}

			amount, err := config.GetAmount(r)
			if err != nil || amount <= 0 {
				if err == nil {
					err = fmt.Errorf("%w: %d", gocredits.ErrInvalidAmount, amount)
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Bad Request"})
				}
				return
			}

			ctx := r.Context()
			remaining, err := config.Ledger.Debit(ctx, userID, amount)
			if err != nil {
				switch {
				case errors.Is(err, gocredits.ErrInsufficientCredits):
					balance, _, _ := config.Ledger.Balance(ctx, userID)
					if config.OnInsufficientCredits != nil {
						config.OnInsufficientCredits(w, r, amount, balance)
					} else {
						writeJSON(w, http.StatusPaymentRequired, map[string]any{
							"error":    "Insufficient credits",
							"required": amount,
							"credits":  balance,
						})
					}
				case config.OnError != nil:
					config.OnError(w, r, err)
				case errors.Is(err, gocredits.ErrUserNotFound):
					writeJSON(w, http.StatusNotFound, map[string]any{"error": "User not found"})
				default:
					writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
				}
				return
			}

			w.Header().Set(HeaderCreditsRemaining, strconv.Itoa(remaining))
			if !config.RefundOnServerError {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusInternalServerError {
				// Request context may already be cancelled.
				_, _ = config.Ledger.Credit(context.WithoutCancel(ctx), userID, amount)
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that debits credits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(r *http.Request) (int, error) {
		return amount, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "credits:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
