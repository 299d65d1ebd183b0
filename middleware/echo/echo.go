// Package echo provides Echo middleware for tier gating
package echo

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// TierContextKey is the Echo context key the middleware stores the resolved
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
	OnDenied func(c echo.Context, tier tiersync.Tier) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireTier creates an Echo middleware that rejects requests from users
// below the configured tier
func RequireTier(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("tiersync/echo: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("tiersync/echo: Config.GetUserID is required")
	}
	if !cfg.MinTier.Valid() {
		panic("tiersync/echo: Config.MinTier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			profile, err := cfg.Store.GetProfile(c.Request().Context(), userID)
			if err != nil && !errors.Is(err, tiersync.ErrProfileNotFound) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}

			tier := tiersync.EffectiveTier(profile, cfg.Clock())
			if tier.Rank() < cfg.MinTier.Rank() {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, tier)
				}
				return c.JSON(http.StatusForbidden, map[string]string{
					"error":         fmt.Sprintf("tier %s required", cfg.MinTier),
					"current_tier":  string(tier),
					"required_tier": string(cfg.MinTier),
				})
			}

			c.Set(TierContextKey, tier)
			return next(c)
		}
	}
}

// TierFromContext returns the tier the middleware resolved for this request
func TierFromContext(c echo.Context) (tiersync.Tier, bool) {
	tier, ok := c.Get(TierContextKey).(tiersync.Tier)
	return tier, ok
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
