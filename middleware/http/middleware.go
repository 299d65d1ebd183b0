// Package http provides HTTP middleware for tier gating
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Store reads profile state (required)
	Store tiersync.ProfileStore

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// MinTier is the lowest tier allowed through (required).
	// Comparison uses tier rank: free < trial < pro < premium.
	MinTier tiersync.Tier

	// Clock overrides the time source for grace period checks.
	// Defaults to time.Now.
	Clock func() time.Time

	// OnDenied is called when the user's tier is below MinTier
	// If nil, returns 403 Forbidden
	OnDenied func(w http.ResponseWriter, r *http.Request, tier tiersync.Tier)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireTier creates an HTTP middleware that rejects requests from users
// below the configured tier. Users without a profile row count as free.
func RequireTier(config Config) func(http.Handler) http.Handler {
	if config.Store == nil {
		panic("tiersync/http: Config.Store is required")
	}
	if config.GetUserID == nil {
		panic("tiersync/http: Config.GetUserID is required")
	}
	if !config.MinTier.Valid() {
		panic("tiersync/http: Config.MinTier is required")
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			profile, err := config.Store.GetProfile(r.Context(), userID)
			if err != nil && !errors.Is(err, tiersync.ErrProfileNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			tier := tiersync.EffectiveTier(profile, config.Clock())
			if tier.Rank() < config.MinTier.Rank() {
				if config.OnDenied != nil {
					config.OnDenied(w, r, tier)
				} else {
					msg := fmt.Sprintf("Tier %s required, current tier is %s", config.MinTier, tier)
					http.Error(w, msg, http.StatusForbidden)
				}
				return
			}

			// Stash the tier for downstream handlers
			ctx := context.WithValue(r.Context(), TierKey, tier)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "tiersync:userID"

	// TierKey is the context key the middleware stores the resolved tier
	// under
	TierKey ContextKey = "tiersync:tier"
)

// TierFromRequest returns the tier the middleware resolved for this request
func TierFromRequest(r *http.Request) (tiersync.Tier, bool) {
	tier, ok := r.Context().Value(TierKey).(tiersync.Tier)
	return tier, ok
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
