package tiersync

import (
	"time"
)

// Tier is a user's subscription level.
type Tier string

const (
	// TierFree is the default tier for users without a paid subscription.
	TierFree Tier = "free"
	// TierTrial is assigned while a subscription is in its trial period.
	TierTrial Tier = "trial"
	// TierPro is the entry-level paid tier.
	TierPro Tier = "pro"
	// TierPremium is the top paid tier.
	TierPremium Tier = "premium"
)

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierTrial, TierPro, TierPremium:
		return true
	}
	return false
}

// Rank returns the ordering weight of a tier (higher = more access).
// Unknown tiers rank below free.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierTrial:
		return 1
	case TierPro:
		return 2
	case TierPremium:
		return 3
	default:
		return -1
	}
}

// ParseTier converts a stored string into a Tier.
// Unknown values map to TierFree so that a corrupted row never grants access.
func ParseTier(s string) Tier {
	t := Tier(s)
	if !t.Valid() {
		return TierFree
	}
	return t
}

// EventType classifies a billing webhook delivery.
type EventType string

const (
	EventSubscriptionCreated     EventType = "subscription_created"
	EventSubscriptionUpdated     EventType = "subscription_updated"
	EventSubscriptionDeleted     EventType = "subscription_deleted"
	EventInvoicePaymentSucceeded EventType = "invoice_payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice_payment_failed"
	EventOther                   EventType = "other"
)

// SubscriptionStatus mirrors the billing provider's subscription status.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// NormalizedEvent is the provider-independent shape extracted from a raw
// webhook payload. One NormalizedEvent is produced per delivery; it is never
// persisted.
type NormalizedEvent struct {
	Type   EventType
	UserID string

	SubscriptionID string
	Status         SubscriptionStatus
	CustomerID     string

	// PriceID and PriceAmountCents describe the purchased plan.
	// PriceAmountCents is 0 when the event carries no price information.
	PriceID          string
	PriceAmountCents int64

	TrialEnd         *time.Time
	CancelAt         *time.Time
	CanceledAt       *time.Time
	CurrentPeriodEnd *time.Time

	// OccurredAt is the provider's event timestamp, used to skip stale
	// out-of-order deliveries.
	OccurredAt time.Time
}

// Profile is the persisted subscription state for a single user.
type Profile struct {
	UserID           string
	Email            string
	StripeCustomerID string

	Tier                 Tier
	SubscriptionStatus   SubscriptionStatus
	StripeSubscriptionID string

	// TrialEndsAt is nil whenever the tier is not trial.
	TrialEndsAt *time.Time
	// SubscriptionEndsAt is set when a cancellation is scheduled or has
	// taken effect.
	SubscriptionEndsAt *time.Time
	// SubscriptionExpiresAt tracks the next renewal while the
	// subscription is active.
	SubscriptionExpiresAt *time.Time

	UpdatedAt time.Time
}

// ProfileUpdate is the set of subscription fields written on every
// processed event. The tier is always recomputed from scratch; there is no
// partial merge with the previously stored tier.
//
// Pointer fields follow the resolver's clearing rules: a nil TrialEndsAt or
// SubscriptionEndsAt explicitly clears the stored value, while a nil
// SubscriptionExpiresAt leaves the stored value untouched.
type ProfileUpdate struct {
	Tier   Tier
	Status SubscriptionStatus

	// SubscriptionID replaces the stored subscription reference.
	// Empty clears it (subscription deleted).
	SubscriptionID string

	TrialEndsAt           *time.Time
	SubscriptionEndsAt    *time.Time
	SubscriptionExpiresAt *time.Time

	// UpdatedAt carries the event timestamp so storage backends and
	// callers can detect stale writes.
	UpdatedAt time.Time
}
