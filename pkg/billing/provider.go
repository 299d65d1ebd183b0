package billing

import (
	"context"
	"net/http"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// Provider is the generic interface a billing backend must implement.
// It keeps the application decoupled from any single payment platform.
type Provider interface {
	// Name returns the provider name (e.g., "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// billing events. The implementation handles signature verification,
	// normalization, tier resolution, and profile updates internally.
	WebhookHandler() http.Handler

	// CheckoutURL creates a hosted checkout session for a subscription
	// purchase and returns its session ID and redirect URL.
	CheckoutURL(ctx context.Context, userID, priceID, successURL, cancelURL string) (sessionID, url string, err error)

	// PortalURL creates a hosted billing-portal session where the user
	// can manage or cancel their subscription.
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)

	// SyncUser re-derives a user's tier directly from the provider's API
	// and persists it. Used for "restore purchases" flows and nightly
	// reconciliation jobs. Returns the resolved tier.
	SyncUser(ctx context.Context, userID string) (tiersync.Tier, error)
}
