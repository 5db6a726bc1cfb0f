// Package redis implements the memory.Store contract on top of a Redis
// key-value service. One key per call holds the full conversation snapshot;
// a TTL keeps abandoned calls from accumulating.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxbridge/voxbridge/pkg/memory"
)

const defaultTTL = 2 * time.Hour

// Store is a Redis-backed memory.Store.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ memory.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the snapshot TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithKeyPrefix overrides the key namespace (default "memo:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	s := &Store{
		client:    client,
		keyPrefix: "memo:",
		ttl:       defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return s, nil
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

// Get retrieves a snapshot, refreshing its TTL on access.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	// Sliding expiry: active calls keep their snapshot alive.
	s.client.Expire(ctx, s.key(key), s.ttl)
	return b, nil
}

// Set stores a snapshot with the configured TTL.
func (s *Store) Set(ctx context.Context, key string, val []byte) error {
	if err := s.client.Set(ctx, s.key(key), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Delete removes a snapshot. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }
