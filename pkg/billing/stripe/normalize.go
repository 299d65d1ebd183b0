package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/avelhorn/tiersync/pkg/billing"
	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// subscriptionEnvelope mirrors the subset of the Stripe subscription payload
// the resolver needs. Parsing the raw webhook JSON directly keeps us
// independent of SDK struct layout changes between API versions (the period
// fields moved from the subscription to its items in 2025-03-31).
type subscriptionEnvelope struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Customer         json.RawMessage   `json:"customer"`
	Metadata         map[string]string `json:"metadata"`
	TrialEnd         int64             `json:"trial_end"`
	CancelAt         int64             `json:"cancel_at"`
	CanceledAt       int64             `json:"canceled_at"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID         string `json:"id"`
				UnitAmount int64  `json:"unit_amount"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// normalizeSubscriptionPayload converts a raw customer.subscription.* webhook
// payload into a provider-neutral event
func normalizeSubscriptionPayload(
	eventType tiersync.EventType, raw json.RawMessage, occurredAt time.Time,
) (*tiersync.NormalizedEvent, error) {
	var env subscriptionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedEvent, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: subscription id", billing.ErrMissingField)
	}

	ev := &tiersync.NormalizedEvent{
		Type:           eventType,
		SubscriptionID: env.ID,
		Status:         tiersync.SubscriptionStatus(env.Status),
		CustomerID:     objectIDFromRaw(env.Customer),
		TrialEnd:       unixTime(env.TrialEnd),
		CancelAt:       unixTime(env.CancelAt),
		CanceledAt:     unixTime(env.CanceledAt),
		OccurredAt:     occurredAt,
	}
	if env.Metadata != nil {
		ev.UserID = env.Metadata[metadataUserIDKey]
	}

	// The first subscription item carries the price. Newer API versions also
	// put the billing period there; older ones keep it on the subscription.
	if len(env.Items.Data) > 0 {
		item := env.Items.Data[0]
		ev.PriceID = item.Price.ID
		ev.PriceAmountCents = item.Price.UnitAmount
		ev.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	if ev.CurrentPeriodEnd == nil {
		ev.CurrentPeriodEnd = unixTime(env.CurrentPeriodEnd)
	}

	return ev, nil
}

// normalizeAPISubscription converts a subscription fetched from the Stripe
// API into a provider-neutral event. Used by the invoice and checkout
// handlers, which only receive a subscription reference in their payloads.
func normalizeAPISubscription(
	eventType tiersync.EventType, sub *stripe.Subscription, occurredAt time.Time,
) *tiersync.NormalizedEvent {
	ev := &tiersync.NormalizedEvent{
		Type:           eventType,
		SubscriptionID: sub.ID,
		Status:         tiersync.SubscriptionStatus(sub.Status),
		TrialEnd:       unixTime(sub.TrialEnd),
		CancelAt:       unixTime(sub.CancelAt),
		CanceledAt:     unixTime(sub.CanceledAt),
		OccurredAt:     occurredAt,
	}
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	if sub.Metadata != nil {
		ev.UserID = sub.Metadata[metadataUserIDKey]
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			ev.PriceID = item.Price.ID
			ev.PriceAmountCents = item.Price.UnitAmount
		}
		ev.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return ev
}

// objectIDFromRaw handles the two shapes Stripe uses for object
// references: a bare ID string or an expanded object.
func objectIDFromRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
