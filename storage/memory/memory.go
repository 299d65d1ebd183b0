// Package memory provides an in-memory implementation of the
// tiersync.ProfileStore interface. Primarily intended for testing and
// development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// Storage implements tiersync.ProfileStore using an in-memory map
type Storage struct {
	mu       sync.RWMutex
	profiles map[string]*tiersync.Profile
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		profiles: make(map[string]*tiersync.Profile),
	}
}

// GetProfile implements tiersync.ProfileStore
func (s *Storage) GetProfile(_ context.Context, userID string) (*tiersync.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, tiersync.ErrProfileNotFound
	}

	// Return a copy to prevent external mutations
	pCopy := *p
	return &pCopy, nil
}

// ApplySubscriptionUpdate implements tiersync.ProfileStore. The update
// never creates a row; the profile must already exist.
func (s *Storage) ApplySubscriptionUpdate(_ context.Context, userID string, update *tiersync.ProfileUpdate) error {
	if update == nil || userID == "" {
		return tiersync.ErrInvalidUpdate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return tiersync.ErrProfileNotFound
	}

	p.Tier = update.Tier
	p.SubscriptionStatus = update.Status
	p.StripeSubscriptionID = update.SubscriptionID
	p.TrialEndsAt = copyTime(update.TrialEndsAt)
	p.SubscriptionEndsAt = copyTime(update.SubscriptionEndsAt)
	if update.SubscriptionExpiresAt != nil {
		p.SubscriptionExpiresAt = copyTime(update.SubscriptionExpiresAt)
	}
	p.UpdatedAt = update.UpdatedAt
	return nil
}

// SetCustomerID implements tiersync.ProfileStore. Creates the profile row
// if it does not exist yet.
func (s *Storage) SetCustomerID(_ context.Context, userID, customerID string) error {
	if userID == "" {
		return tiersync.ErrInvalidUpdate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		s.profiles[userID] = &tiersync.Profile{
			UserID:           userID,
			StripeCustomerID: customerID,
			Tier:             tiersync.TierFree,
		}
		return nil
	}
	p.StripeCustomerID = customerID
	return nil
}

// SetProfile stores a profile directly, bypassing update semantics.
// Useful for seeding test fixtures.
func (s *Storage) SetProfile(p *tiersync.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pCopy := *p
	s.profiles[p.UserID] = &pCopy
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = make(map[string]*tiersync.Profile)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	tCopy := *t
	return &tCopy
}
