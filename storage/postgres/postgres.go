// Package postgres provides a PostgreSQL implementation of the
// tiersync.ProfileStore interface on top of a pgx connection pool.
//
// Expected schema:
//
//	CREATE TABLE user_profiles (
//	    user_id                 TEXT PRIMARY KEY,
//	    email                   TEXT,
//	    stripe_customer_id      TEXT,
//	    subscription_tier       TEXT NOT NULL DEFAULT 'free',
//	    subscription_status     TEXT,
//	    stripe_subscription_id  TEXT,
//	    trial_ends_at           TIMESTAMPTZ,
//	    subscription_ends_at    TIMESTAMPTZ,
//	    subscription_expires_at TIMESTAMPTZ,
//	    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avelhorn/tiersync/pkg/tiersync"
)

// Storage implements tiersync.ProfileStore using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{
		pool:   pool,
		config: config,
	}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetProfile implements tiersync.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*tiersync.Profile, error) {
	var p tiersync.Profile
	var email, customerID, status, subscriptionID *string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, email, stripe_customer_id, subscription_tier, subscription_status,
				stripe_subscription_id, trial_ends_at, subscription_ends_at,
				subscription_expires_at, updated_at
			FROM user_profiles WHERE user_id = $1`,
		userID).Scan(
		&p.UserID,
		&email,
		&customerID,
		&p.Tier,
		&status,
		&subscriptionID,
		&p.TrialEndsAt,
		&p.SubscriptionEndsAt,
		&p.SubscriptionExpiresAt,
		&p.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tiersync.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if email != nil {
		p.Email = *email
	}
	if customerID != nil {
		p.StripeCustomerID = *customerID
	}
	if status != nil {
		p.SubscriptionStatus = tiersync.SubscriptionStatus(*status)
	}
	if subscriptionID != nil {
		p.StripeSubscriptionID = *subscriptionID
	}
	return &p, nil
}

// ApplySubscriptionUpdate implements tiersync.ProfileStore. A missing row is
// reported as ErrProfileNotFound; rows are never created here.
//
// COALESCE on subscription_expires_at implements the keep-when-absent rule:
// a NULL in the update leaves the stored renewal date in place.
func (s *Storage) ApplySubscriptionUpdate(
	ctx context.Context, userID string, update *tiersync.ProfileUpdate,
) error {
	if update == nil || userID == "" {
		return tiersync.ErrInvalidUpdate
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE user_profiles SET
				subscription_tier = $2,
				subscription_status = $3,
				stripe_subscription_id = NULLIF($4, ''),
				trial_ends_at = $5,
				subscription_ends_at = $6,
				subscription_expires_at = COALESCE($7, subscription_expires_at),
				updated_at = $8
			WHERE user_id = $1`,
		userID,
		string(update.Tier),
		string(update.Status),
		update.SubscriptionID,
		update.TrialEndsAt,
		update.SubscriptionEndsAt,
		update.SubscriptionExpiresAt,
		update.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to apply subscription update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tiersync.ErrProfileNotFound
	}
	return nil
}

// SetCustomerID implements tiersync.ProfileStore. Creates the profile row
// if it does not exist yet.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return tiersync.ErrInvalidUpdate
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_profiles (user_id, stripe_customer_id, subscription_tier, updated_at)
			VALUES ($1, $2, 'free', now())
			ON CONFLICT (user_id) DO UPDATE SET
				stripe_customer_id = EXCLUDED.stripe_customer_id`,
		userID, customerID,
	)
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	return nil
}

// Ping verifies database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
