package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrMalformedEvent is returned when a known webhook event shape cannot be parsed
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrMissingField is returned when a required request field is absent
	ErrMissingField = errors.New("missing required field")

	// ErrUserNotFound is returned when a user has no profile record
	ErrUserNotFound = errors.New("user not found")

	// ErrCustomerNotFound is returned when a user has no billing customer record
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)
