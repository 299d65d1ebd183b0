package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	stripewebhook "github.com/stripe/stripe-go/v83/webhook"

	"github.com/avelhorn/tiersync/pkg/billing"
	"github.com/avelhorn/tiersync/pkg/billing/internal"
	"github.com/avelhorn/tiersync/pkg/tiersync"
)

const maxWebhookBodyBytes = 256 * 1024

// verifyWebhook authenticates a raw delivery against the signing secret.
// API version mismatches are tolerated: payload parsing in normalize.go works
// from the raw JSON, so deliveries from accounts pinned to an older Stripe
// API version must not be rejected here.
func (p *Provider) verifyWebhook(body []byte, sig string) (stripe.Event, error) {
	event, err := stripewebhook.ConstructEventWithOptions(body, sig, string(p.webhookSecret),
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if len(p.webhookSecret) == 0 {
		internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := p.verifyWebhook(body, sig)
	if err != nil {
		internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("webhook signature verification failed",
			tiersync.Field{Key: "error", Value: err.Error()})
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

		if errors.Is(err, billing.ErrMalformedEvent) || errors.Is(err, billing.ErrMissingField) {
			internal.WriteError(w, http.StatusBadRequest, err.Error())
			p.metrics.RecordWebhookEvent(providerName, eventType, "error")
			p.metrics.RecordWebhookError(providerName, "malformed_event")
			return
		}

		if p.config.StrictPersistence {
			internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
			p.metrics.RecordWebhookEvent(providerName, eventType, "error")
			p.metrics.RecordWebhookError(providerName, "processing_error")
			return
		}

		// Acknowledge anyway. Stripe retries on non-2xx for days; a
		// failed profile write is recovered by the next event or an
		// explicit SyncUser.
		p.logger.Error("webhook processing failed, acknowledging",
			tiersync.Field{Key: "event_type", Value: eventType},
			tiersync.Field{Key: "event_id", Value: event.ID},
			tiersync.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookEvent(providerName, eventType, "swallowed_error")
		_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent routes a verified event to its handler
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTimestamp := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created":
		return p.handleSubscriptionChange(ctx, tiersync.EventSubscriptionCreated, event.Data.Raw, eventTimestamp)
	case "customer.subscription.updated":
		return p.handleSubscriptionChange(ctx, tiersync.EventSubscriptionUpdated, event.Data.Raw, eventTimestamp)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event.Data.Raw, eventTimestamp)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event.Data.Raw, eventTimestamp)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event.Data.Raw, eventTimestamp)
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event.Data.Raw, eventTimestamp)
	default:
		// Unknown event type - acknowledge without acting
		return nil
	}
}

// handleSubscriptionChange processes customer.subscription.created and
// customer.subscription.updated events
func (p *Provider) handleSubscriptionChange(
	ctx context.Context, eventType tiersync.EventType, raw json.RawMessage, eventTimestamp time.Time,
) error {
	ev, err := normalizeSubscriptionPayload(eventType, raw, eventTimestamp)
	if err != nil {
		return err
	}
	return p.applySubscriptionEvent(ctx, ev)
}

// handleSubscriptionDeleted processes customer.subscription.deleted events.
// The profile is reset to the free tier regardless of what the deleted
// subscription looked like.
func (p *Provider) handleSubscriptionDeleted(
	ctx context.Context, raw json.RawMessage, eventTimestamp time.Time,
) error {
	ev, err := normalizeSubscriptionPayload(tiersync.EventSubscriptionDeleted, raw, eventTimestamp)
	if err != nil {
		return err
	}

	userID, err := p.resolveUserID(ctx, ev)
	if err != nil {
		p.logUnattributable(ev, err)
		return nil
	}

	existing, err := p.store.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, tiersync.ErrProfileNotFound) {
		return err
	}
	if existing != nil && !ev.OccurredAt.After(existing.UpdatedAt) {
		// Older or duplicate delivery - skip silently
		return nil
	}

	update := tiersync.DeletionUpdate(p.now().UTC())
	if err := p.store.ApplySubscriptionUpdate(ctx, userID, update); err != nil {
		if errors.Is(err, tiersync.ErrProfileNotFound) {
			p.logger.Warn("no profile row for user, dropping deletion event",
				tiersync.Field{Key: "user_id", Value: userID})
			return nil
		}
		return fmt.Errorf("failed to apply deletion: %w", err)
	}

	previousTier := tiersync.TierFree
	if existing != nil {
		previousTier = existing.Tier
	}
	p.notifyTierChange(userID, previousTier, tiersync.TierFree, string(tiersync.EventSubscriptionDeleted))
	return nil
}

// handleInvoicePaymentSucceeded processes invoice.payment_succeeded events.
// The invoice payload only references the subscription, so the full object
// is fetched from the API before resolving.
func (p *Provider) handleInvoicePaymentSucceeded(
	ctx context.Context, raw json.RawMessage, eventTimestamp time.Time,
) error {
	subscriptionID := subscriptionIDFromInvoice(raw)
	if subscriptionID == "" {
		// Not a subscription invoice - ignore
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("%w: fetch subscription: %v", billing.ErrProviderAPIError, err)
	}

	ev := normalizeAPISubscription(tiersync.EventInvoicePaymentSucceeded, sub, eventTimestamp)
	return p.applySubscriptionEvent(ctx, ev)
}

// handleInvoicePaymentFailed processes invoice.payment_failed events.
// The tier is left untouched: Stripe keeps retrying the charge and cancels
// the subscription itself if dunning fails, at which point the deleted
// event downgrades the user. Only the stored status is mirrored.
func (p *Provider) handleInvoicePaymentFailed(
	ctx context.Context, raw json.RawMessage, eventTimestamp time.Time,
) error {
	subscriptionID := subscriptionIDFromInvoice(raw)
	if subscriptionID == "" {
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("%w: fetch subscription: %v", billing.ErrProviderAPIError, err)
	}

	ev := normalizeAPISubscription(tiersync.EventInvoicePaymentFailed, sub, eventTimestamp)
	userID, err := p.resolveUserID(ctx, ev)
	if err != nil {
		p.logUnattributable(ev, err)
		return nil
	}

	p.logger.Warn("invoice payment failed",
		tiersync.Field{Key: "user_id", Value: userID},
		tiersync.Field{Key: "subscription_id", Value: subscriptionID})
	p.metrics.RecordWebhookEvent(providerName, "invoice.payment_failed", "warning")

	existing, err := p.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, tiersync.ErrProfileNotFound) {
			return nil
		}
		return err
	}
	if !ev.OccurredAt.After(existing.UpdatedAt) {
		return nil
	}

	update := &tiersync.ProfileUpdate{
		Tier:               existing.Tier,
		Status:             tiersync.StatusPastDue,
		SubscriptionID:     subscriptionID,
		TrialEndsAt:        existing.TrialEndsAt,
		SubscriptionEndsAt: existing.SubscriptionEndsAt,
		UpdatedAt:          ev.OccurredAt,
	}
	if err := p.store.ApplySubscriptionUpdate(ctx, userID, update); err != nil {
		return fmt.Errorf("failed to record past_due status: %w", err)
	}
	return nil
}

// handleCheckoutSessionCompleted processes checkout.session.completed
// events. It patches the user_id onto the subscription's metadata so later
// webhook deliveries are attributable, records the customer mapping, and
// applies the subscription state immediately instead of waiting for the
// subsequent subscription event.
func (p *Provider) handleCheckoutSessionCompleted(
	ctx context.Context, raw json.RawMessage, eventTimestamp time.Time,
) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", billing.ErrMalformedEvent, err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata[metadataUserIDKey]
	}
	if userID == "" && session.ClientReferenceID != "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		p.logger.Warn("checkout session has no user reference, dropping",
			tiersync.Field{Key: "session_id", Value: session.ID})
		return nil
	}

	if session.Customer != nil && session.Customer.ID != "" {
		if err := p.store.SetCustomerID(ctx, userID, session.Customer.ID); err != nil {
			p.logger.Error("failed to store customer mapping",
				tiersync.Field{Key: "user_id", Value: userID},
				tiersync.Field{Key: "error", Value: err.Error()})
		}
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		// Not a subscription checkout - ignore
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("%w: fetch subscription: %v", billing.ErrProviderAPIError, err)
	}

	if sub.Metadata == nil || sub.Metadata[metadataUserIDKey] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata(metadataUserIDKey, userID)
		sub, err = p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params)
		if err != nil {
			return fmt.Errorf("%w: patch subscription metadata: %v", billing.ErrProviderAPIError, err)
		}
	}

	ev := normalizeAPISubscription(tiersync.EventSubscriptionUpdated, sub, eventTimestamp)
	ev.UserID = userID
	return p.applySubscriptionEvent(ctx, ev)
}

// applySubscriptionEvent runs the shared pipeline for any event carrying a
// full subscription snapshot: attribute it to a user, drop stale
// deliveries, resolve the tier, and persist the result.
func (p *Provider) applySubscriptionEvent(ctx context.Context, ev *tiersync.NormalizedEvent) error {
	userID, err := p.resolveUserID(ctx, ev)
	if err != nil {
		p.logUnattributable(ev, err)
		return nil
	}

	existing, err := p.store.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, tiersync.ErrProfileNotFound) {
		return err
	}

	// Timestamp-based idempotency: only apply if the event is newer than
	// the stored state. Guards against out-of-order redelivery.
	if existing != nil && !ev.OccurredAt.After(existing.UpdatedAt) {
		p.logger.Debug("dropping stale event",
			tiersync.Field{Key: "user_id", Value: userID},
			tiersync.Field{Key: "event_type", Value: string(ev.Type)})
		return nil
	}

	res := tiersync.ResolveTier(ev, p.now().UTC())
	update := res.Update(ev)

	if err := p.store.ApplySubscriptionUpdate(ctx, userID, update); err != nil {
		if errors.Is(err, tiersync.ErrProfileNotFound) {
			p.logger.Warn("no profile row for user, dropping event",
				tiersync.Field{Key: "user_id", Value: userID},
				tiersync.Field{Key: "event_type", Value: string(ev.Type)})
			return nil
		}
		return fmt.Errorf("failed to apply subscription update: %w", err)
	}

	if existing != nil && existing.StripeCustomerID == "" && ev.CustomerID != "" {
		if err := p.store.SetCustomerID(ctx, userID, ev.CustomerID); err != nil {
			p.logger.Error("failed to backfill customer mapping",
				tiersync.Field{Key: "user_id", Value: userID},
				tiersync.Field{Key: "error", Value: err.Error()})
		}
	}

	previousTier := tiersync.TierFree
	if existing != nil {
		previousTier = existing.Tier
	}
	p.notifyTierChange(userID, previousTier, res.Tier, string(ev.Type))
	return nil
}

// resolveUserID attributes an event to a user: subscription metadata first,
// then the customer's metadata as fallback
func (p *Provider) resolveUserID(ctx context.Context, ev *tiersync.NormalizedEvent) (string, error) {
	if ev.UserID != "" {
		return ev.UserID, nil
	}

	if ev.CustomerID != "" {
		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, ev.CustomerID, nil)
		if err == nil && cust.Metadata != nil {
			if userID := cust.Metadata[metadataUserIDKey]; userID != "" {
				ev.UserID = userID
				return userID, nil
			}
		}
	}

	return "", fmt.Errorf("metadata.%s missing on subscription %s", metadataUserIDKey, ev.SubscriptionID)
}

func (p *Provider) logUnattributable(ev *tiersync.NormalizedEvent, err error) {
	p.logger.Warn("cannot attribute event to a user, acknowledging without update",
		tiersync.Field{Key: "event_type", Value: string(ev.Type)},
		tiersync.Field{Key: "subscription_id", Value: ev.SubscriptionID},
		tiersync.Field{Key: "error", Value: err.Error()})
	p.metrics.RecordWebhookError(providerName, "missing_user_id")
}

func (p *Provider) notifyTierChange(userID string, previous, current tiersync.Tier, eventType string) {
	if previous == current {
		return
	}
	p.metrics.RecordTierChange(providerName, string(previous), string(current))
	if p.config.TierChangeCallback != nil {
		p.config.TierChangeCallback(billing.TierChangeEvent{
			UserID:       userID,
			PreviousTier: previous,
			NewTier:      current,
			Provider:     providerName,
			EventType:    eventType,
		})
	}
}

// subscriptionIDFromInvoice digs the subscription reference out of a raw
// invoice payload. Depending on API version it appears at the top level or
// under parent.subscription_details, as an ID string or an expanded object.
func subscriptionIDFromInvoice(raw json.RawMessage) string {
	var env struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       struct {
			SubscriptionDetails struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	if id := objectIDFromRaw(env.Subscription); id != "" {
		return id
	}
	return objectIDFromRaw(env.Parent.SubscriptionDetails.Subscription)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
