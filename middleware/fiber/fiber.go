// Package fiber provides Fiber middleware for tier gating
package fiber

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// TierContextKey is the Fiber locals key the middleware stores the resolved
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
	OnDenied func(c *fiber.Ctx, tier tiersync.Tier) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireTier creates a Fiber middleware that rejects requests from users
// below the configured tier
func RequireTier(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("tiersync/fiber: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("tiersync/fiber: Config.GetUserID is required")
	}
	if !cfg.MinTier.Valid() {
		panic("tiersync/fiber: Config.MinTier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		profile, err := cfg.Store.GetProfile(c.UserContext(), userID)
		if err != nil && !errors.Is(err, tiersync.ErrProfileNotFound) {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}

		tier := tiersync.EffectiveTier(profile, cfg.Clock())
		if tier.Rank() < cfg.MinTier.Rank() {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, tier)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":         fmt.Sprintf("tier %s required", cfg.MinTier),
				"current_tier":  string(tier),
				"required_tier": string(cfg.MinTier),
			})
		}

		c.Locals(TierContextKey, tier)
		return c.Next()
	}
}

// TierFromContext returns the tier the middleware resolved for this request
func TierFromContext(c *fiber.Ctx) (tiersync.Tier, bool) {
	tier, ok := c.Locals(TierContextKey).(tiersync.Tier)
	return tier, ok
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
