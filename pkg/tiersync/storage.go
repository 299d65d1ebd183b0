package tiersync

import "context"

// ProfileStore is the persistence contract for profile subscription state.
//
// Implementations are expected to be safe for concurrent use. Webhook
// deliveries for the same user are not ordered; the store applies whatever
// update it is given (last write wins) and callers perform any staleness
// checks before writing.
type ProfileStore interface {
	// GetProfile returns the profile for a user, or ErrProfileNotFound.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// ApplySubscriptionUpdate overwrites the subscription fields of an
	// existing profile. The row itself is never created or deleted here:
	// a missing profile yields ErrProfileNotFound. Field semantics
	// follow ProfileUpdate's clearing rules.
	ApplySubscriptionUpdate(ctx context.Context, userID string, update *ProfileUpdate) error

	// SetCustomerID records the billing customer reference for a user,
	// creating the profile row if one does not exist yet.
	SetCustomerID(ctx context.Context, userID, customerID string) error
}
