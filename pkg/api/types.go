package api

import "time"

// CheckoutRequest starts a subscription checkout for the authenticated user
type CheckoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CheckoutResponse carries the hosted checkout session
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// PortalRequest opens a billing portal session for the authenticated user
type PortalRequest struct {
	ReturnURL string `json:"return_url"`
}

// PortalResponse carries the hosted portal session
type PortalResponse struct {
	URL string `json:"url"`
}

// ProfileResponse is the subscription state stored for a user
type ProfileResponse struct {
	UserID                string     `json:"user_id"`
	Tier                  string     `json:"tier"`
	Status                string     `json:"status,omitempty"`
	SubscriptionID        string     `json:"subscription_id,omitempty"`
	TrialEndsAt           *time.Time `json:"trial_ends_at,omitempty"`
	SubscriptionEndsAt    *time.Time `json:"subscription_ends_at,omitempty"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// SyncResponse is returned after an explicit provider reconciliation
type SyncResponse struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}
