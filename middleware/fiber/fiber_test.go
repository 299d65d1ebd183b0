package fiber

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/avelhorn/tiersync/pkg/tiersync"
	"github.com/avelhorn/tiersync/storage/memory"
)

func setupStore(t *testing.T, tier tiersync.Tier) *memory.Storage {
	t.Helper()

	store := memory.New()
	store.SetProfile(&tiersync.Profile{
		UserID:             "user1",
		Tier:               tier,
		SubscriptionStatus: tiersync.StatusActive,
	})
	return store
}

func setupApp(store *memory.Storage, minTier tiersync.Tier) *fiber.App {
	app := fiber.New()
	app.Use(RequireTier(Config{
		Store:     store,
		GetUserID: FromHeader("X-User-ID"),
		MinTier:   minTier,
	}))
	app.Get("/data", func(c *fiber.Ctx) error {
		return c.SendString("success")
	})
	return app
}

func TestRequireTier_Allowed(t *testing.T) {
	app := setupApp(setupStore(t, tiersync.TierPro), tiersync.TierPro)

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("X-User-ID", "user1")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestRequireTier_Denied(t *testing.T) {
	app := setupApp(setupStore(t, tiersync.TierFree), tiersync.TierPro)

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("X-User-ID", "user1")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
}

func TestRequireTier_Unauthorized(t *testing.T) {
	app := setupApp(setupStore(t, tiersync.TierPro), tiersync.TierPro)

	req := httptest.NewRequest(http.MethodGet, "/data", nil)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestRequireTier_MissingProfileIsFree(t *testing.T) {
	app := setupApp(memory.New(), tiersync.TierPro)

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("X-User-ID", "ghost")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
}

func TestRequireTier_TierInContext(t *testing.T) {
	var gotTier tiersync.Tier
	var gotOK bool

	app := fiber.New()
	app.Use(RequireTier(Config{
		Store:     setupStore(t, tiersync.TierPremium),
		GetUserID: FromHeader("X-User-ID"),
		MinTier:   tiersync.TierPro,
	}))
	app.Get("/data", func(c *fiber.Ctx) error {
		gotTier, gotOK = TierFromContext(c)
		return c.SendStatus(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("X-User-ID", "user1")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()

	if !gotOK || gotTier != tiersync.TierPremium {
		t.Errorf("TierFromContext = %q/%v, want premium/true", gotTier, gotOK)
	}
}
