// Package redis provides a Redis implementation of the tiersync.ProfileStore
// interface. Profiles are stored as JSON documents, one key per user, and
// updates run inside optimistic WATCH transactions so concurrent webhook
// deliveries cannot interleave a read-modify-write.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// Storage implements tiersync.ProfileStore using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "tiersync:")
	KeyPrefix string

	// ProfileTTL is the TTL for profile keys (0 = no expiration)
	ProfileTTL time.Duration

	// MaxRetries is the maximum number of transaction retry attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "tiersync:",
		ProfileTTL: 0, // Profiles don't expire
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "tiersync:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	return &Storage{
		client: client,
		config: config,
	}, nil
}

// GetProfile implements tiersync.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*tiersync.Profile, error) {
	key := s.profileKey(userID)

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, tiersync.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	var p tiersync.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	return &p, nil
}

// ApplySubscriptionUpdate implements tiersync.ProfileStore. Updates never
// create a profile: a missing key returns ErrProfileNotFound.
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, userID string, update *tiersync.ProfileUpdate) error {
	if update == nil || userID == "" {
		return tiersync.ErrInvalidUpdate
	}

	key := s.profileKey(userID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return tiersync.ErrProfileNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get profile: %w", err)
		}

		var p tiersync.Profile
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal profile: %w", err)
		}

		p.Tier = update.Tier
		p.SubscriptionStatus = update.Status
		p.StripeSubscriptionID = update.SubscriptionID
		p.TrialEndsAt = update.TrialEndsAt
		p.SubscriptionEndsAt = update.SubscriptionEndsAt
		if update.SubscriptionExpiresAt != nil {
			p.SubscriptionExpiresAt = update.SubscriptionExpiresAt
		}
		p.UpdatedAt = update.UpdatedAt

		updated, err := json.Marshal(&p)
		if err != nil {
			return fmt.Errorf("failed to marshal profile: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.config.ProfileTTL)
			return nil
		})
		return err
	}

	return s.runTxn(ctx, txn, key)
}

// SetCustomerID implements tiersync.ProfileStore. Creates the profile on
// the free tier when no row exists yet.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return tiersync.ErrInvalidUpdate
	}

	key := s.profileKey(userID)

	txn := func(tx *redis.Tx) error {
		var p tiersync.Profile

		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			p = tiersync.Profile{
				UserID: userID,
				Tier:   tiersync.TierFree,
			}
		case err != nil:
			return fmt.Errorf("failed to get profile: %w", err)
		default:
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("failed to unmarshal profile: %w", err)
			}
		}

		p.StripeCustomerID = customerID

		updated, err := json.Marshal(&p)
		if err != nil {
			return fmt.Errorf("failed to marshal profile: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.config.ProfileTTL)
			return nil
		})
		return err
	}

	return s.runTxn(ctx, txn, key)
}

// runTxn executes a WATCH transaction, retrying on contention
func (s *Storage) runTxn(ctx context.Context, txn func(*redis.Tx) error, key string) error {
	var err error
	for i := 0; i < s.config.MaxRetries; i++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d retries: %w", s.config.MaxRetries, err)
}

// profileKey generates the Redis key for a profile
func (s *Storage) profileKey(userID string) string {
	return fmt.Sprintf("%sprofile:%s", s.config.KeyPrefix, userID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
