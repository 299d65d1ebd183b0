// Package firestore provides a Firestore implementation of the
// tiersync.ProfileStore interface. Each user profile is a document keyed by
// user ID, and subscription updates run inside Firestore transactions so
// concurrent webhook deliveries serialize on the document.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// Storage implements tiersync.ProfileStore using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	profilesCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// ProfilesCollection is the Firestore collection for user profiles
	// Default: "user_profiles"
	ProfilesCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "user_profiles"
	}

	return &Storage{
		client:             client,
		profilesCollection: config.ProfilesCollection,
	}, nil
}

// GetProfile implements tiersync.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*tiersync.Profile, error) {
	doc := s.client.Collection(s.profilesCollection).Doc(userID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, tiersync.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if !snap.Exists() {
		return nil, tiersync.ErrProfileNotFound
	}

	return profileFromDoc(userID, snap.Data()), nil
}

// ApplySubscriptionUpdate implements tiersync.ProfileStore. Updates never
// create a profile: a missing document returns ErrProfileNotFound.
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, userID string, update *tiersync.ProfileUpdate) error {
	if update == nil || userID == "" {
		return tiersync.ErrInvalidUpdate
	}

	doc := s.client.Collection(s.profilesCollection).Doc(userID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return tiersync.ErrProfileNotFound
			}
			return fmt.Errorf("failed to get profile: %w", err)
		}
		if !snap.Exists() {
			return tiersync.ErrProfileNotFound
		}

		data := map[string]interface{}{
			"subscriptionTier":     string(update.Tier),
			"subscriptionStatus":   string(update.Status),
			"stripeSubscriptionId": update.SubscriptionID,
			"trialEndsAt":          timeOrNil(update.TrialEndsAt),
			"subscriptionEndsAt":   timeOrNil(update.SubscriptionEndsAt),
			"updatedAt":            update.UpdatedAt,
		}
		// Absent renewal timestamps keep the stored value
		if update.SubscriptionExpiresAt != nil {
			data["subscriptionExpiresAt"] = *update.SubscriptionExpiresAt
		}

		return tx.Set(doc, data, firestore.MergeAll)
	})
}

// SetCustomerID implements tiersync.ProfileStore. Creates the profile on
// the free tier when no document exists yet.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return tiersync.ErrInvalidUpdate
	}

	doc := s.client.Collection(s.profilesCollection).Doc(userID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to get profile: %w", err)
		}

		data := map[string]interface{}{
			"stripeCustomerId": customerID,
		}
		if err != nil || !snap.Exists() {
			data["subscriptionTier"] = string(tiersync.TierFree)
		}

		return tx.Set(doc, data, firestore.MergeAll)
	})
}

// Close closes the underlying Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func profileFromDoc(userID string, data map[string]interface{}) *tiersync.Profile {
	p := &tiersync.Profile{
		UserID:               userID,
		Email:                getString(data, "email"),
		StripeCustomerID:     getString(data, "stripeCustomerId"),
		Tier:                 tiersync.ParseTier(getString(data, "subscriptionTier")),
		SubscriptionStatus:   tiersync.SubscriptionStatus(getString(data, "subscriptionStatus")),
		StripeSubscriptionID: getString(data, "stripeSubscriptionId"),
		UpdatedAt:            getTime(data, "updatedAt"),
	}
	p.TrialEndsAt = getTimePtr(data, "trialEndsAt")
	p.SubscriptionEndsAt = getTimePtr(data, "subscriptionEndsAt")
	p.SubscriptionExpiresAt = getTimePtr(data, "subscriptionExpiresAt")
	return p
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}
