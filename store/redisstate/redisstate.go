// Package redisstate keeps the per-owner cash state in Redis so several
// devices or server instances share one balance cache.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/fieldcash/cash"
)

const defaultKeyPrefix = "cashstate:"

// Config holds Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store implements cash.CashStateStore. Each owner is one JSON value,
// always replaced wholesale with SET.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ cash.CashStateStore = (*Store)(nil)

// New connects and pings.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewWithClient(client, ""), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) key(owner cash.OwnerID) string {
	return s.keyPrefix + string(owner)
}

func (s *Store) GetCashState(ctx context.Context, owner cash.OwnerID) (*cash.CashState, error) {
	raw, err := s.client.Get(ctx, s.key(owner)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cash state: %w", err)
	}

	var st cash.CashState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to decode cash state for %s: %w", owner, err)
	}
	return &st, nil
}

func (s *Store) PutCashState(ctx context.Context, st cash.CashState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(st.OwnerID), string(data), 0).Err(); err != nil {
		return fmt.Errorf("failed to put cash state for %s: %w", st.OwnerID, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *Store) Close() error {
	return s.client.Close()
}
