package dbrouter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPinningKey prefixes pin entries in the session backend.
const DefaultPinningKey = "master_db_pinned"

// RedisPinStore implements PinStore on Redis with SET ... EX.
type RedisPinStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisPinStore connects to Redis and verifies the connection.
func NewRedisPinStore(ctx context.Context, opts RedisOptions) (*RedisPinStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}

	return NewRedisPinStoreFromClient(client, opts.Key), nil
}

// NewRedisPinStoreFromClient wraps an existing client.
func NewRedisPinStoreFromClient(client *redis.Client, key string) *RedisPinStore {
	if key == "" {
		key = DefaultPinningKey
	}
	return &RedisPinStore{client: client, prefix: key}
}

func (s *RedisPinStore) key(clientID string) string {
	return s.prefix + ":" + clientID
}

func (s *RedisPinStore) PinnedUntil(ctx context.Context, clientID string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.key(clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get pin %s: %w", clientID, err)
	}

	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse pin %s: %w", clientID, err)
	}
	return time.Unix(0, nanos), true, nil
}

func (s *RedisPinStore) Pin(ctx context.Context, clientID string, until time.Time, ttl time.Duration) error {
	value := strconv.FormatInt(until.UnixNano(), 10)
	if err := s.client.Set(ctx, s.key(clientID), value, ttl).Err(); err != nil {
		return fmt.Errorf("set pin %s: %w", clientID, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisPinStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisPinStore) Close() error {
	return s.client.Close()
}
