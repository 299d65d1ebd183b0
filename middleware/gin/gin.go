// Package gin provides Gin middleware for tier gating
package gin

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// TierContextKey is the Gin context key the middleware stores the resolved
// tier under
const TierContextKey = "tiersync:tier"

// Config holds middleware configuration
type Config struct {
	// Store reads profile state (required)
	Store tiersync.ProfileStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// MinTier is the lowest tier allowed through (required)
	MinTier tiersync.Tier

	// Clock overrides the time source for grace period checks.
	// Defaults to time.Now.
	Clock func() time.Time

	// OnDenied is called when the user's tier is below MinTier
	// If nil, returns 403 JSON with the required and current tiers
	OnDenied func(c *gongin.Context, tier tiersync.Tier)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireTier creates a Gin middleware that rejects requests from users
// below the configured tier
func RequireTier(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("tiersync/gin: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("tiersync/gin: Config.GetUserID is required")
	}
	if !cfg.MinTier.Valid() {
		panic("tiersync/gin: Config.MinTier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		profile, err := cfg.Store.GetProfile(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, tiersync.ErrProfileNotFound) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal error"})
			}
			c.Abort()
			return
		}

		tier := tiersync.EffectiveTier(profile, cfg.Clock())
		if tier.Rank() < cfg.MinTier.Rank() {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, tier)
			} else {
				c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{
					"error":         fmt.Sprintf("tier %s required", cfg.MinTier),
					"current_tier":  string(tier),
					"required_tier": string(cfg.MinTier),
				})
			}
			c.Abort()
			return
		}

		c.Set(TierContextKey, tier)
		c.Next()
	}
}

// TierFromContext returns the tier the middleware resolved for this request
func TierFromContext(c *gongin.Context) (tiersync.Tier, bool) {
	v, ok := c.Get(TierContextKey)
	if !ok {
		return tiersync.TierFree, false
	}
	tier, ok := v.(tiersync.Tier)
	return tier, ok
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContextKey returns an UserIDExtractor that gets user ID from the Gin
// context (set by an upstream auth middleware)
func FromContextKey(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, ok := c.Get(key); ok {
			if s, ok := userID.(string); ok {
				return s
			}
		}
		return ""
	}
}
