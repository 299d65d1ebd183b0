package tiersync

import "errors"

var (
	// ErrProfileNotFound is returned when no profile exists for a user ID.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrInvalidUpdate is returned when a ProfileUpdate is nil or carries
	// an invalid tier.
	ErrInvalidUpdate = errors.New("invalid profile update")
)
