package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnauthenticated is returned when a request carries no user identity
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrProviderAPIError is returned when the provider's API returns an error
	// or cannot be reached. Callers should treat it as retryable.
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPriceNotConfigured is returned when a plan has no provider price
	ErrPriceNotConfigured = errors.New("price not configured for plan")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrSessionNotFound is returned when a checkout session id is unknown to the provider
	ErrSessionNotFound = errors.New("checkout session not found")
)
