package tiersync

import (
	"strings"
	"time"
)

// Price identifier hints and amount thresholds used when a plan carries no
// recognizable hint in its price ID. Amounts are in cents.
const (
	premiumPriceHint = "premium"
	proPriceHint     = "pro"

	premiumAmountCents = 7900
	proAmountCents     = 2900
)

// Resolution is the output of ResolveTier: the recomputed tier plus the
// timestamp fields to persist alongside it.
type Resolution struct {
	Tier Tier

	// TrialEndsAt is set from the event's trial end, or nil when absent.
	// A nil value clears any previously stored trial end.
	TrialEndsAt *time.Time

	// SubscriptionEndsAt is set when a cancellation is scheduled or has
	// taken effect; nil clears the stored value.
	SubscriptionEndsAt *time.Time

	// SubscriptionExpiresAt tracks the next renewal; nil leaves the
	// stored value untouched rather than clearing it.
	SubscriptionExpiresAt *time.Time
}

// ResolveTier recomputes a user's tier from a normalized billing event.
//
// The tier is derived from scratch on every call, never merged with prior
// state. That makes processing idempotent under redelivery of the same
// event, but NOT under out-of-order delivery: a stale "active" event applied
// after a "deleted" event would resurrect the paid tier. Callers that need
// ordering protection must compare the event timestamp against the stored
// profile before applying the result (see the Stripe provider).
//
// Status precedence:
//  1. trialing                      -> trial
//  2. active                        -> tier from price hint, then amount
//  3. canceled with time remaining  -> paid tier retained until period end
//  4. anything else                 -> free
func ResolveTier(ev *NormalizedEvent, now time.Time) Resolution {
	res := Resolution{Tier: TierFree}

	switch {
	case ev.Status == StatusTrialing:
		res.Tier = TierTrial

	case ev.Status == StatusActive:
		res.Tier = tierFromPrice(ev.PriceID, ev.PriceAmountCents)

	case ev.Status == StatusCanceled && ev.CurrentPeriodEnd != nil && ev.CurrentPeriodEnd.After(now):
		// Grace period: paid access is retained until the current
		// billing period ends.
		if strings.Contains(ev.PriceID, premiumPriceHint) {
			res.Tier = TierPremium
		} else {
			res.Tier = TierPro
		}
	}

	// Timestamp derivation is independent of the resolved tier.
	res.TrialEndsAt = ev.TrialEnd

	switch {
	case ev.CancelAt != nil:
		res.SubscriptionEndsAt = ev.CancelAt
	case ev.CanceledAt != nil:
		res.SubscriptionEndsAt = ev.CurrentPeriodEnd
	}

	res.SubscriptionExpiresAt = ev.CurrentPeriodEnd

	return res
}

// tierFromPrice maps an active subscription's price to a paid tier.
// Price ID substrings win over amounts; an unrecognizable price falls back
// to free, which indicates anomalous input rather than a real plan.
func tierFromPrice(priceID string, amountCents int64) Tier {
	switch {
	case strings.Contains(priceID, premiumPriceHint):
		return TierPremium
	case strings.Contains(priceID, proPriceHint):
		return TierPro
	case amountCents >= premiumAmountCents:
		return TierPremium
	case amountCents >= proAmountCents:
		return TierPro
	default:
		return TierFree
	}
}

// Update assembles the ProfileUpdate to persist for a resolved event.
func (r Resolution) Update(ev *NormalizedEvent) *ProfileUpdate {
	return &ProfileUpdate{
		Tier:                  r.Tier,
		Status:                ev.Status,
		SubscriptionID:        ev.SubscriptionID,
		TrialEndsAt:           r.TrialEndsAt,
		SubscriptionEndsAt:    r.SubscriptionEndsAt,
		SubscriptionExpiresAt: r.SubscriptionExpiresAt,
		UpdatedAt:             ev.OccurredAt,
	}
}

// EffectiveTier returns the tier a stored profile grants at the given
// instant. Webhooks only arrive when something changes in Stripe, so a
// trial or grace period that lapses quietly is caught here at read time
// instead of waiting for the next event.
func EffectiveTier(p *Profile, now time.Time) Tier {
	if p == nil {
		return TierFree
	}
	if p.Tier == TierTrial && p.TrialEndsAt != nil && p.TrialEndsAt.Before(now) {
		return TierFree
	}
	if p.SubscriptionStatus == StatusCanceled && p.SubscriptionEndsAt != nil && p.SubscriptionEndsAt.Before(now) {
		return TierFree
	}
	return p.Tier
}

// DeletionUpdate is the fixed payload written when a subscription is
// deleted: the resolver is bypassed entirely and the user drops to free with
// the subscription reference cleared.
func DeletionUpdate(now time.Time) *ProfileUpdate {
	endsAt := now
	return &ProfileUpdate{
		Tier:               TierFree,
		Status:             StatusCanceled,
		SubscriptionID:     "",
		TrialEndsAt:        nil,
		SubscriptionEndsAt: &endsAt,
		UpdatedAt:          now,
	}
}
