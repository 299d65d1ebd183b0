// Package stripe implements the billing.Provider interface on top of the
// Stripe API: webhook ingestion, checkout/portal session creation, and
// on-demand reconciliation of a user's profile against Stripe's view.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/avelhorn/tiersync/pkg/billing"
	"github.com/avelhorn/tiersync/pkg/billing/internal"
	"github.com/avelhorn/tiersync/pkg/tiersync"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultTrialDays         = 14

	metadataUserIDKey = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, Logger, Metrics, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// Performance Hook (Optional)
	// If provided, customer lookup uses this for O(1) resolution.
	// If nil, falls back to the slow Stripe Search API.
	CustomerIDResolver func(context.Context, string) (string, error)

	// TrialDays is the trial length attached to new checkout sessions.
	// Zero means the default of 14 days; negative disables the trial.
	TrialDays int64
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	store              tiersync.ProfileStore
	config             Config
	httpClient         *http.Client
	rateLimiter        *internal.RateLimiter
	webhookSecret      []byte
	apiKey             string
	trialDays          int64
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             tiersync.Logger

	now func() time.Time // injectable for tests
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	stripeClient := stripe.NewClient(apiKey)

	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(config.WebhookSecret)
	}
	webhookSecret := []byte(secret)

	trialDays := config.TrialDays
	if trialDays == 0 {
		trialDays = defaultTrialDays
	}

	limiter := internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	logger := config.Logger
	if logger == nil {
		logger = &tiersync.NoopLogger{}
	}

	return &Provider{
		store:              config.Store,
		config:             config,
		httpClient:         httpClient,
		rateLimiter:        limiter,
		webhookSecret:      webhookSecret,
		apiKey:             apiKey,
		trialDays:          trialDays,
		stripeClient:       stripeClient,
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
		logger:             logger,
		now:                time.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// SyncUser reconciles a user's profile against the Stripe API and returns
// the resulting tier
func (p *Provider) SyncUser(ctx context.Context, userID string) (tiersync.Tier, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// resolveCustomerID attempts to find the Stripe Customer ID for a user.
// Checks the stored profile first, then the resolver hook, then falls back
// to the slow Stripe Search API.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if profile, err := p.store.GetProfile(ctx, userID); err == nil && profile.StripeCustomerID != "" {
		return profile.StripeCustomerID, nil
	}

	// FAST PATH: App provides the mapping (O(1))
	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
	}

	// SLOW PATH: Stripe Search API (O(N), ~500ms)
	return p.searchCustomerByMetadata(ctx, userID)
}
