// Package api exposes the billing operations over HTTP: checkout and
// portal session creation, profile inspection, explicit sync, and the
// provider's webhook endpoint, mounted on a chi router.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avelhorn/tiersync/pkg/billing"
	"github.com/avelhorn/tiersync/pkg/tiersync"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for billing operations
type Handler struct {
	config Config
}

// Router mounts all billing endpoints on a chi router:
//
//	POST /checkout  - create a checkout session
//	POST /portal    - create a billing portal session
//	GET  /profile   - read the stored subscription state
//	POST /sync      - reconcile against the provider
//	POST /webhook   - provider webhook ingestion
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/checkout", h.CreateCheckout)
	r.Post("/portal", h.CreatePortal)
	r.Get("/profile", h.GetProfile)
	r.Post("/sync", h.Sync)
	r.Mount("/webhook", h.config.Provider.WebhookHandler())
	return r
}

// CreateCheckout starts a subscription checkout session
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	if req.PriceID == "" || req.SuccessURL == "" || req.CancelURL == "" {
		h.handleError(w, r, fmt.Errorf("price_id, success_url and cancel_url are required"), http.StatusBadRequest)
		return
	}

	sessionID, url, err := h.config.Provider.CheckoutURL(r.Context(), userID, req.PriceID, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.handleError(w, r, err, statusForError(err))
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutResponse{SessionID: sessionID, URL: url})
}

// CreatePortal opens a billing portal session
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req PortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	if req.ReturnURL == "" {
		h.handleError(w, r, fmt.Errorf("return_url is required"), http.StatusBadRequest)
		return
	}

	url, err := h.config.Provider.PortalURL(r.Context(), userID, req.ReturnURL)
	if err != nil {
		h.handleError(w, r, err, statusForError(err))
		return
	}

	h.writeJSON(w, http.StatusOK, PortalResponse{URL: url})
}

// GetProfile returns the stored subscription state for the user
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	profile, err := h.config.Store.GetProfile(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err, statusForError(err))
		return
	}

	h.writeJSON(w, http.StatusOK, ProfileResponse{
		UserID:                profile.UserID,
		Tier:                  string(profile.Tier),
		Status:                string(profile.SubscriptionStatus),
		SubscriptionID:        profile.StripeSubscriptionID,
		TrialEndsAt:           profile.TrialEndsAt,
		SubscriptionEndsAt:    profile.SubscriptionEndsAt,
		SubscriptionExpiresAt: profile.SubscriptionExpiresAt,
		UpdatedAt:             profile.UpdatedAt,
	})
}

// Sync reconciles the user's profile against the billing provider
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	tier, err := h.config.Provider.SyncUser(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err, statusForError(err))
		return
	}

	h.writeJSON(w, http.StatusOK, SyncResponse{UserID: userID, Tier: string(tier)})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response already committed
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("billing API error",
			tiersync.Field{Key: "path", Value: r.URL.Path},
			tiersync.Field{Key: "error", Value: err.Error()})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, tiersync.ErrProfileNotFound),
		errors.Is(err, billing.ErrUserNotFound),
		errors.Is(err, billing.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrMissingField),
		errors.Is(err, billing.ErrMalformedEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
