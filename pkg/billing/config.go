package billing

import (
	"net/http"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// Config defines the standard configuration all providers should accept.
type Config struct {
	// Store persists profile subscription state.
	Store tiersync.ProfileStore

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation.
	HTTPClient *http.Client

	// StrictPersistence controls the webhook response when a profile
	// write fails. When false (default), the failure is logged and the
	// webhook is still acknowledged with 200, leaving recovery to a
	// later event or an explicit SyncUser; this avoids provider retry
	// storms at the cost of possibly missing one update. When true, the
	// handler returns 500 so the provider's redelivery schedule retries
	// the event.
	StrictPersistence bool

	// Metrics is an optional metrics collector for billing operations.
	// If nil, metrics are silently ignored (no-op).
	// Use metrics/prometheus.DefaultMetrics(namespace) for Prometheus.
	Metrics Metrics

	// Logger is an optional structured logger. Defaults to no-op.
	Logger tiersync.Logger

	// TierChangeCallback is invoked after a webhook successfully moves a
	// user between tiers. Optional; errors are logged, not propagated.
	TierChangeCallback func(event TierChangeEvent)
}

// TierChangeEvent describes a tier transition caused by a webhook delivery
// or an API sync.
type TierChangeEvent struct {
	UserID       string
	PreviousTier tiersync.Tier
	NewTier      tiersync.Tier
	Provider     string
	EventType    string
}
