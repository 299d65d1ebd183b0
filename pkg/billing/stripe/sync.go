package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"

	"github.com/avelhorn/tiersync/pkg/billing"
	"github.com/avelhorn/tiersync/pkg/tiersync"
)

const syncConcurrency = 4

// syncUserFromAPI recomputes a user's profile from what Stripe currently
// holds, bypassing the webhook pipeline entirely. Used for recovery after
// missed or swallowed deliveries.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (tiersync.Tier, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) || errors.Is(err, billing.ErrCustomerNotFound) {
			// No Stripe customer at all - the user has never subscribed
			return p.syncToFreeTier(ctx, userID, startTime)
		}
		p.metrics.RecordUserSync(providerName, "error")
		return tiersync.TierFree, err
	}

	return p.syncCustomer(ctx, customerID, userID, startTime)
}

// searchCustomerByMetadata searches for a customer by metadata using the
// Stripe Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")

	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: customer search: %v", billing.ErrProviderAPIError, err)
		}
		// Verify exact match (the Search API can return partial matches)
		if cust.Metadata != nil && cust.Metadata[metadataUserIDKey] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrUserNotFound
}

// syncCustomer lists the customer's subscriptions and applies the best one
// to the profile. With no live subscription the profile is reset to free.
func (p *Provider) syncCustomer(
	ctx context.Context, customerID, userID string, startTime time.Time,
) (tiersync.Tier, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subscriptions []*stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			p.metrics.RecordUserSync(providerName, "error")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return tiersync.TierFree, fmt.Errorf("%w: list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		switch tiersync.SubscriptionStatus(sub.Status) {
		case tiersync.StatusActive, tiersync.StatusTrialing, tiersync.StatusPastDue, tiersync.StatusCanceled:
			subscriptions = append(subscriptions, sub)
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "success")

	now := p.now().UTC()

	// Resolve every candidate and keep the highest-ranking outcome. A
	// canceled subscription still inside its paid period outranks free.
	var best *tiersync.NormalizedEvent
	bestRes := tiersync.Resolution{Tier: tiersync.TierFree}
	for _, sub := range subscriptions {
		ev := normalizeAPISubscription(tiersync.EventSubscriptionUpdated, sub, now)
		res := tiersync.ResolveTier(ev, now)
		if best == nil || res.Tier.Rank() > bestRes.Tier.Rank() {
			best = ev
			bestRes = res
		}
	}

	if best == nil {
		return p.syncToFreeTier(ctx, userID, startTime)
	}

	existing, err := p.store.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, tiersync.ErrProfileNotFound) {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return bestRes.Tier, err
	}

	update := bestRes.Update(best)
	if err := p.store.ApplySubscriptionUpdate(ctx, userID, update); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return bestRes.Tier, fmt.Errorf("failed to apply sync update: %w", err)
	}

	if existing != nil && existing.StripeCustomerID == "" {
		if err := p.store.SetCustomerID(ctx, userID, customerID); err != nil {
			p.logger.Error("failed to backfill customer mapping",
				tiersync.Field{Key: "user_id", Value: userID},
				tiersync.Field{Key: "error", Value: err.Error()})
		}
	}

	previousTier := tiersync.TierFree
	if existing != nil {
		previousTier = existing.Tier
	}
	p.notifyTierChange(userID, previousTier, bestRes.Tier, "sync")

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return bestRes.Tier, nil
}

// syncToFreeTier resets a user to the free tier (no live subscription in
// Stripe)
func (p *Provider) syncToFreeTier(ctx context.Context, userID string, startTime time.Time) (tiersync.Tier, error) {
	update := tiersync.DeletionUpdate(p.now().UTC())
	if err := p.store.ApplySubscriptionUpdate(ctx, userID, update); err != nil {
		if errors.Is(err, tiersync.ErrProfileNotFound) {
			p.metrics.RecordUserSync(providerName, "success")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return tiersync.TierFree, nil
		}
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return tiersync.TierFree, fmt.Errorf("failed to reset profile: %w", err)
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return tiersync.TierFree, nil
}

// SyncUsers reconciles a batch of users concurrently. Errors are collected
// per user; the first one is returned after all syncs finish.
func (p *Provider) SyncUsers(ctx context.Context, userIDs []string) (map[string]tiersync.Tier, error) {
	results := make([]tiersync.Tier, len(userIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for i, userID := range userIDs {
		g.Go(func() error {
			tier, err := p.SyncUser(ctx, userID)
			if err != nil {
				return fmt.Errorf("sync %s: %w", userID, err)
			}
			results[i] = tier
			return nil
		})
	}
	err := g.Wait()

	tiers := make(map[string]tiersync.Tier, len(userIDs))
	for i, userID := range userIDs {
		if results[i] != "" {
			tiers[userID] = results[i]
		}
	}
	return tiers, err
}
