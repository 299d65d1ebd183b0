package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/avelhorn/tiersync/pkg/billing"
	"github.com/avelhorn/tiersync/pkg/tiersync"
	"github.com/avelhorn/tiersync/storage/memory"
)

// subscriptionPayload builds the raw data.object JSON for a
// customer.subscription.* event
func subscriptionPayload(t *testing.T, fields map[string]interface{}) json.RawMessage {
	t.Helper()

	payload := map[string]interface{}{
		"id":       testSubscriptionID,
		"status":   "active",
		"customer": testCustomerID,
		"metadata": map[string]string{"user_id": testUserID},
	}
	for k, v := range fields {
		payload[k] = v
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return raw
}

func itemsWithPrice(priceID string, unitAmount, periodEnd int64) map[string]interface{} {
	return map[string]interface{}{
		"data": []map[string]interface{}{
			{
				"current_period_end": periodEnd,
				"price": map[string]interface{}{
					"id":          priceID,
					"unit_amount": unitAmount,
				},
			},
		},
	}
}

func newSubscriptionEvent(eventType string, created time.Time, raw json.RawMessage) *stripe.Event {
	return &stripe.Event{
		ID:      "evt_test",
		Type:    stripe.EventType(eventType),
		Created: created.Unix(),
		Data: &stripe.EventData{
			Raw: raw,
		},
	}
}

func seedProfile(store *memory.Storage, tier tiersync.Tier, updatedAt time.Time) {
	store.SetProfile(&tiersync.Profile{
		UserID:    testUserID,
		Tier:      tier,
		UpdatedAt: updatedAt,
	})
}

func TestProcessWebhookEvent_ActivePro(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedProfile(store, tiersync.TierFree, now.Add(-time.Hour))

	provider := newTestProvider(t, store, nil)
	provider.now = func() time.Time { return now }

	periodEnd := now.Add(30 * 24 * time.Hour)
	raw := subscriptionPayload(t, map[string]interface{}{
		"items": itemsWithPrice(testPriceIDPro, 2900, periodEnd.Unix()),
	})
	event := newSubscriptionEvent("customer.subscription.updated", now, raw)

	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	p, err := store.GetProfile(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.Tier != tiersync.TierPro {
		t.Errorf("Tier = %s, want pro", p.Tier)
	}
	if p.SubscriptionStatus != tiersync.StatusActive {
		t.Errorf("Status = %s, want active", p.SubscriptionStatus)
	}
	if p.StripeSubscriptionID != testSubscriptionID {
		t.Errorf("SubscriptionID = %q", p.StripeSubscriptionID)
	}
	if p.SubscriptionExpiresAt == nil || p.SubscriptionExpiresAt.Unix() != periodEnd.Unix() {
		t.Errorf("SubscriptionExpiresAt = %v, want %v", p.SubscriptionExpiresAt, periodEnd)
	}
	if p.TrialEndsAt != nil {
		t.Errorf("TrialEndsAt = %v, want cleared", p.TrialEndsAt)
	}
}

func TestProcessWebhookEvent_Trialing(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedProfile(store, tiersync.TierFree, now.Add(-time.Hour))

	provider := newTestProvider(t, store, nil)
	provider.now = func() time.Time { return now }

	trialEnd := now.Add(14 * 24 * time.Hour)
	raw := subscriptionPayload(t, map[string]interface{}{
		"status":    "trialing",
		"trial_end": trialEnd.Unix(),
		"items":     itemsWithPrice(testPriceIDPremium, 7900, trialEnd.Unix()),
	})
	event := newSubscriptionEvent("customer.subscription.created", now, raw)

	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	p, _ := store.GetProfile(context.Background(), testUserID)
	if p.Tier != tiersync.TierTrial {
		t.Errorf("Tier = %s, want trial (trialing wins over premium price)", p.Tier)
	}
	if p.TrialEndsAt == nil || p.TrialEndsAt.Unix() != trialEnd.Unix() {
		t.Errorf("TrialEndsAt = %v, want %v", p.TrialEndsAt, trialEnd)
	}
}

func TestProcessWebhookEvent_CanceledInsidePaidPeriod(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedProfile(store, tiersync.TierPro, now.Add(-time.Hour))

	provider := newTestProvider(t, store, nil)
	provider.now = func() time.Time { return now }

	periodEnd := now.Add(10 * 24 * time.Hour)
	raw := subscriptionPayload(t, map[string]interface{}{
		"status":      "canceled",
		"canceled_at": now.Add(-time.Minute).Unix(),
		"items":       itemsWithPrice(testPriceIDPro, 2900, periodEnd.Unix()),
	})
	event := newSubscriptionEvent("customer.subscription.updated", now, raw)

	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	p, _ := store.GetProfile(context.Background(), testUserID)
	if p.Tier != tiersync.TierPro {
		t.Errorf("Tier = %s, want pro retained until period end", p.Tier)
	}
	if p.SubscriptionStatus != tiersync.StatusCanceled {
		t.Errorf("Status = %s, want canceled", p.SubscriptionStatus)
	}
	if p.SubscriptionEndsAt == nil || p.SubscriptionEndsAt.Unix() != periodEnd.Unix() {
		t.Errorf("SubscriptionEndsAt = %v, want %v", p.SubscriptionEndsAt, periodEnd)
	}
}

func TestProcessWebhookEvent_Deleted(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trialEnd := now.Add(7 * 24 * time.Hour)
	store.SetProfile(&tiersync.Profile{
		UserID:               testUserID,
		Tier:                 tiersync.TierPremium,
		SubscriptionStatus:   tiersync.StatusActive,
		StripeSubscriptionID: testSubscriptionID,
		TrialEndsAt:          &trialEnd,
		UpdatedAt:            now.Add(-time.Hour),
	})

	provider := newTestProvider(t, store, nil)
	provider.now = func() time.Time { return now }

	raw := subscriptionPayload(t, map[string]interface{}{"status": "canceled"})
	event := newSubscriptionEvent("customer.subscription.deleted", now, raw)

	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	p, _ := store.GetProfile(context.Background(), testUserID)
	if p.Tier != tiersync.TierFree {
		t.Errorf("Tier = %s, want free", p.Tier)
	}
	if p.SubscriptionStatus != tiersync.StatusCanceled {
		t.Errorf("Status = %s, want canceled", p.SubscriptionStatus)
	}
	if p.StripeSubscriptionID != "" {
		t.Errorf("SubscriptionID = %q, want cleared", p.StripeSubscriptionID)
	}
	if p.TrialEndsAt != nil {
		t.Errorf("TrialEndsAt = %v, want cleared", p.TrialEndsAt)
	}
	if p.SubscriptionEndsAt == nil || !p.SubscriptionEndsAt.Equal(now) {
		t.Errorf("SubscriptionEndsAt = %v, want now", p.SubscriptionEndsAt)
	}
}

func TestProcessWebhookEvent_StaleEventDropped(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedProfile(store, tiersync.TierPremium, now) // stored state is current

	provider := newTestProvider(t, store, nil)
	provider.now = func() time.Time { return now }

	raw := subscriptionPayload(t, map[string]interface{}{
		"items": itemsWithPrice(testPriceIDPro, 2900, now.Add(30*24*time.Hour).Unix()),
	})
	// Delivered late: created an hour before the stored UpdatedAt
	event := newSubscriptionEvent("customer.subscription.updated", now.Add(-time.Hour), raw)

	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	p, _ := store.GetProfile(context.Background(), testUserID)
	if p.Tier != tiersync.TierPremium {
		t.Errorf("Tier = %s, stale event should not have been applied", p.Tier)
	}
}

func TestProcessWebhookEvent_MissingProfileRowAcknowledged(t *testing.T) {
	provider := newTestProvider(t, memory.New(), nil)

	raw := subscriptionPayload(t, map[string]interface{}{
		"items": itemsWithPrice(testPriceIDPro, 2900, time.Now().Add(time.Hour).Unix()),
	})
	event := newSubscriptionEvent("customer.subscription.updated", time.Now(), raw)

	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Errorf("missing profile row should be swallowed, got %v", err)
	}
}

func TestProcessWebhookEvent_UnattributableAcknowledged(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, nil)

	// No metadata and no customer reference: nothing to attribute with
	raw := json.RawMessage(fmt.Sprintf(`{"id": %q, "status": "active"}`, testSubscriptionID))
	event := newSubscriptionEvent("customer.subscription.updated", time.Now(), raw)

	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Errorf("unattributable event should be swallowed, got %v", err)
	}
}

func TestProcessWebhookEvent_UnknownTypeIgnored(t *testing.T) {
	provider := newTestProvider(t, memory.New(), nil)

	event := newSubscriptionEvent("customer.tax_id.created", time.Now(), json.RawMessage(`{}`))
	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Errorf("unknown event type should be ignored, got %v", err)
	}
}

func TestProcessWebhookEvent_TierChangeCallback(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedProfile(store, tiersync.TierFree, now.Add(-time.Hour))

	var got billing.TierChangeEvent
	provider := newTestProvider(t, store, func(c *Config) {
		c.TierChangeCallback = func(ev billing.TierChangeEvent) { got = ev }
	})
	provider.now = func() time.Time { return now }

	raw := subscriptionPayload(t, map[string]interface{}{
		"items": itemsWithPrice(testPriceIDPremium, 7900, now.Add(30*24*time.Hour).Unix()),
	})
	event := newSubscriptionEvent("customer.subscription.updated", now, raw)

	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	if got.UserID != testUserID {
		t.Fatalf("callback not invoked, got %+v", got)
	}
	if got.PreviousTier != tiersync.TierFree || got.NewTier != tiersync.TierPremium {
		t.Errorf("transition = %s -> %s, want free -> premium", got.PreviousTier, got.NewTier)
	}
	if got.Provider != "stripe" {
		t.Errorf("Provider = %q", got.Provider)
	}
}

func TestProcessWebhookEvent_ReplayIsIdempotent(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedProfile(store, tiersync.TierFree, now.Add(-time.Hour))

	callbacks := 0
	provider := newTestProvider(t, store, func(c *Config) {
		c.TierChangeCallback = func(billing.TierChangeEvent) { callbacks++ }
	})
	provider.now = func() time.Time { return now }

	raw := subscriptionPayload(t, map[string]interface{}{
		"items": itemsWithPrice(testPriceIDPro, 2900, now.Add(30*24*time.Hour).Unix()),
	})
	event := newSubscriptionEvent("customer.subscription.updated", now, raw)

	for i := 0; i < 3; i++ {
		if err := provider.processWebhookEvent(context.Background(), event); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	p, _ := store.GetProfile(context.Background(), testUserID)
	if p.Tier != tiersync.TierPro {
		t.Errorf("Tier = %s, want pro", p.Tier)
	}
	if callbacks != 1 {
		t.Errorf("callback fired %d times, want 1 (redeliveries are duplicates)", callbacks)
	}
}

// signedRequest builds an HTTP request with a valid Stripe-Signature header
func signedRequest(t *testing.T, secret string, body []byte) *http.Request {
	t.Helper()

	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, sig))
	return req
}

func eventBody(t *testing.T, eventType string, raw json.RawMessage) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"id":          "evt_test",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": raw},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

func TestWebhookHandler_InvalidSignature(t *testing.T) {
	store := memory.New()
	seedProfile(store, tiersync.TierFree, time.Time{})
	provider := newTestProvider(t, store, nil)

	body := eventBody(t, "customer.subscription.updated", subscriptionPayload(t, nil))
	req := signedRequest(t, "whsec_wrong_secret", body)

	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp["error"] == "" {
		t.Errorf("body = %q, want JSON error object", w.Body.String())
	}

	p, _ := store.GetProfile(context.Background(), testUserID)
	if p.Tier != tiersync.TierFree {
		t.Error("rejected request must not touch the store")
	}
}

func TestWebhookHandler_ValidSignature(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	seedProfile(store, tiersync.TierFree, now.Add(-time.Hour))
	provider := newTestProvider(t, store, nil)

	raw := subscriptionPayload(t, map[string]interface{}{
		"items": itemsWithPrice(testPriceIDPro, 2900, now.Add(30*24*time.Hour).Unix()),
	})
	body := eventBody(t, "customer.subscription.updated", raw)
	req := signedRequest(t, testStripeWebhookSecret, body)

	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}
	var resp map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || !resp["received"] {
		t.Errorf("body = %q, want {\"received\":true}", w.Body.String())
	}

	p, _ := store.GetProfile(context.Background(), testUserID)
	if p.Tier != tiersync.TierPro {
		t.Errorf("Tier = %s, want pro", p.Tier)
	}
}

func TestWebhookHandler_OlderAPIVersionAccepted(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	seedProfile(store, tiersync.TierFree, now.Add(-time.Hour))
	provider := newTestProvider(t, store, nil)

	raw := subscriptionPayload(t, map[string]interface{}{
		"items": itemsWithPrice(testPriceIDPro, 2900, now.Add(30*24*time.Hour).Unix()),
	})
	body, err := json.Marshal(map[string]interface{}{
		"id":          "evt_test",
		"object":      "event",
		"api_version": "2023-10-16",
		"type":        "customer.subscription.updated",
		"created":     now.Unix(),
		"data":        map[string]interface{}{"object": raw},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	req := signedRequest(t, testStripeWebhookSecret, body)

	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}
	p, _ := store.GetProfile(context.Background(), testUserID)
	if p.Tier != tiersync.TierPro {
		t.Errorf("Tier = %s, want pro", p.Tier)
	}
}

func TestVerifyWebhook_SignatureError(t *testing.T) {
	provider := newTestProvider(t, memory.New(), nil)

	body := eventBody(t, "customer.subscription.updated", subscriptionPayload(t, nil))
	sig := signedRequest(t, "whsec_wrong_secret", body).Header.Get("Stripe-Signature")

	_, err := provider.verifyWebhook(body, sig)
	if !errors.Is(err, billing.ErrInvalidWebhookSignature) {
		t.Errorf("err = %v, want ErrInvalidWebhookSignature", err)
	}

	sig = signedRequest(t, testStripeWebhookSecret, body).Header.Get("Stripe-Signature")
	if _, err := provider.verifyWebhook(body, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	provider := newTestProvider(t, memory.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook", http.NoBody)
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestWebhookHandler_MissingSecret(t *testing.T) {
	provider := newTestProvider(t, memory.New(), func(c *Config) {
		c.StripeWebhookSecret = ""
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// failingStore wraps the memory store and fails every profile write
type failingStore struct {
	*memory.Storage
}

func (f *failingStore) ApplySubscriptionUpdate(context.Context, string, *tiersync.ProfileUpdate) error {
	return errors.New("database unavailable")
}

func TestWebhookHandler_PersistenceFailureSwallowed(t *testing.T) {
	inner := memory.New()
	now := time.Now().UTC()
	seedProfile(inner, tiersync.TierFree, now.Add(-time.Hour))
	store := &failingStore{Storage: inner}

	provider, err := NewProvider(Config{
		Config:              billing.Config{Store: store},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	raw := subscriptionPayload(t, map[string]interface{}{
		"items": itemsWithPrice(testPriceIDPro, 2900, now.Add(30*24*time.Hour).Unix()),
	})
	body := eventBody(t, "customer.subscription.updated", raw)
	req := signedRequest(t, testStripeWebhookSecret, body)

	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (failure swallowed by default)", w.Code)
	}
}

func TestWebhookHandler_PersistenceFailureStrict(t *testing.T) {
	inner := memory.New()
	now := time.Now().UTC()
	seedProfile(inner, tiersync.TierFree, now.Add(-time.Hour))
	store := &failingStore{Storage: inner}

	provider, err := NewProvider(Config{
		Config: billing.Config{
			Store:             store,
			StrictPersistence: true,
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	raw := subscriptionPayload(t, map[string]interface{}{
		"items": itemsWithPrice(testPriceIDPro, 2900, now.Add(30*24*time.Hour).Unix()),
	})
	body := eventBody(t, "customer.subscription.updated", raw)
	req := signedRequest(t, testStripeWebhookSecret, body)

	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 under strict persistence", w.Code)
	}
}
