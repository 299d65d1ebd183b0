package stripe

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/avelhorn/tiersync/pkg/billing"
	"github.com/avelhorn/tiersync/pkg/tiersync"
)

func TestNormalizeSubscriptionPayload(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "sub_123",
		"status": "active",
		"customer": "cus_456",
		"metadata": {"user_id": "user-1"},
		"trial_end": 1767225600,
		"cancel_at": 1769904000,
		"canceled_at": 1767312000,
		"items": {
			"data": [{
				"current_period_end": 1769904000,
				"price": {"id": "price_pro_monthly", "unit_amount": 2900}
			}]
		}
	}`)

	ev, err := normalizeSubscriptionPayload(tiersync.EventSubscriptionUpdated, raw, time.Unix(1767230000, 0))
	if err != nil {
		t.Fatalf("normalizeSubscriptionPayload failed: %v", err)
	}

	if ev.SubscriptionID != "sub_123" {
		t.Errorf("SubscriptionID = %q", ev.SubscriptionID)
	}
	if ev.Status != tiersync.StatusActive {
		t.Errorf("Status = %q", ev.Status)
	}
	if ev.CustomerID != "cus_456" {
		t.Errorf("CustomerID = %q", ev.CustomerID)
	}
	if ev.UserID != "user-1" {
		t.Errorf("UserID = %q", ev.UserID)
	}
	if ev.PriceID != "price_pro_monthly" || ev.PriceAmountCents != 2900 {
		t.Errorf("price = %q/%d", ev.PriceID, ev.PriceAmountCents)
	}
	if ev.TrialEnd == nil || ev.TrialEnd.Unix() != 1767225600 {
		t.Errorf("TrialEnd = %v", ev.TrialEnd)
	}
	if ev.CancelAt == nil || ev.CancelAt.Unix() != 1769904000 {
		t.Errorf("CancelAt = %v", ev.CancelAt)
	}
	if ev.CanceledAt == nil || ev.CanceledAt.Unix() != 1767312000 {
		t.Errorf("CanceledAt = %v", ev.CanceledAt)
	}
	if ev.CurrentPeriodEnd == nil || ev.CurrentPeriodEnd.Unix() != 1769904000 {
		t.Errorf("CurrentPeriodEnd = %v", ev.CurrentPeriodEnd)
	}
}

func TestNormalizeSubscriptionPayload_TopLevelPeriodEnd(t *testing.T) {
	// Pre-2025 API versions carry current_period_end on the subscription
	raw := json.RawMessage(`{
		"id": "sub_123",
		"status": "active",
		"current_period_end": 1769904000,
		"items": {"data": [{"price": {"id": "price_pro_monthly", "unit_amount": 2900}}]}
	}`)

	ev, err := normalizeSubscriptionPayload(tiersync.EventSubscriptionUpdated, raw, time.Now())
	if err != nil {
		t.Fatalf("normalizeSubscriptionPayload failed: %v", err)
	}
	if ev.CurrentPeriodEnd == nil || ev.CurrentPeriodEnd.Unix() != 1769904000 {
		t.Errorf("CurrentPeriodEnd = %v, want top-level fallback", ev.CurrentPeriodEnd)
	}
}

func TestNormalizeSubscriptionPayload_ExpandedCustomer(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "sub_123",
		"status": "active",
		"customer": {"id": "cus_456", "email": "a@b.c"}
	}`)

	ev, err := normalizeSubscriptionPayload(tiersync.EventSubscriptionUpdated, raw, time.Now())
	if err != nil {
		t.Fatalf("normalizeSubscriptionPayload failed: %v", err)
	}
	if ev.CustomerID != "cus_456" {
		t.Errorf("CustomerID = %q, want cus_456", ev.CustomerID)
	}
}

func TestNormalizeSubscriptionPayload_AbsentTimestampsAreNil(t *testing.T) {
	raw := json.RawMessage(`{"id": "sub_123", "status": "active"}`)

	ev, err := normalizeSubscriptionPayload(tiersync.EventSubscriptionUpdated, raw, time.Now())
	if err != nil {
		t.Fatalf("normalizeSubscriptionPayload failed: %v", err)
	}
	if ev.TrialEnd != nil || ev.CancelAt != nil || ev.CanceledAt != nil || ev.CurrentPeriodEnd != nil {
		t.Errorf("timestamps should be nil when absent: %+v", ev)
	}
}

func TestNormalizeSubscriptionPayload_Malformed(t *testing.T) {
	_, err := normalizeSubscriptionPayload(tiersync.EventSubscriptionUpdated, json.RawMessage(`{not json`), time.Now())
	if !errors.Is(err, billing.ErrMalformedEvent) {
		t.Errorf("Expected ErrMalformedEvent, got %v", err)
	}

	_, err = normalizeSubscriptionPayload(tiersync.EventSubscriptionUpdated, json.RawMessage(`{"status": "active"}`), time.Now())
	if !errors.Is(err, billing.ErrMissingField) {
		t.Errorf("Expected ErrMissingField for missing id, got %v", err)
	}
}

func TestNormalizeAPISubscription(t *testing.T) {
	occurredAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	sub := &stripe.Subscription{
		ID:       "sub_789",
		Status:   stripe.SubscriptionStatusTrialing,
		TrialEnd: 1767225600,
		Customer: &stripe.Customer{ID: "cus_999"},
		Metadata: map[string]string{"user_id": "user-2"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					CurrentPeriodEnd: 1769904000,
					Price:            &stripe.Price{ID: "price_premium_monthly", UnitAmount: 7900},
				},
			},
		},
	}

	ev := normalizeAPISubscription(tiersync.EventInvoicePaymentSucceeded, sub, occurredAt)

	if ev.Type != tiersync.EventInvoicePaymentSucceeded {
		t.Errorf("Type = %q", ev.Type)
	}
	if ev.SubscriptionID != "sub_789" || ev.UserID != "user-2" || ev.CustomerID != "cus_999" {
		t.Errorf("identity fields = %q/%q/%q", ev.SubscriptionID, ev.UserID, ev.CustomerID)
	}
	if ev.Status != tiersync.StatusTrialing {
		t.Errorf("Status = %q", ev.Status)
	}
	if ev.PriceID != "price_premium_monthly" || ev.PriceAmountCents != 7900 {
		t.Errorf("price = %q/%d", ev.PriceID, ev.PriceAmountCents)
	}
	if !ev.OccurredAt.Equal(occurredAt) {
		t.Errorf("OccurredAt = %v", ev.OccurredAt)
	}
}

func TestSubscriptionIDFromInvoice(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"id string", `{"subscription": "sub_1"}`, "sub_1"},
		{"expanded object", `{"subscription": {"id": "sub_2"}}`, "sub_2"},
		{"parent details", `{"parent": {"subscription_details": {"subscription": "sub_3"}}}`, "sub_3"},
		{"not a subscription invoice", `{"id": "in_123"}`, ""},
		{"garbage", `{broken`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := subscriptionIDFromInvoice(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("subscriptionIDFromInvoice = %q, want %q", got, tt.want)
			}
		})
	}
}
