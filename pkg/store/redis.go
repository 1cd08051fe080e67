package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements KV on a Redis server
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at addr and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     16,
		PoolTimeout:  4 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}

	return &RedisStore{client: client}, nil
}

// Put stores value under key
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, opts ...Option) error {
	o := applyOptions(opts)
	var expiry time.Duration
	if o.ttlSeconds > 0 {
		expiry = time.Duration(o.ttlSeconds) * time.Second
	}
	if err := s.client.Set(ctx, key, value, expiry).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Get returns the value for key
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return data, nil
}

// Delete removes key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// ListByPrefix iterates keys under prefix using SCAN
func (s *RedisStore) ListByPrefix(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SCAN and GET
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
		}
		if !fn(key, data) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan %s: %v", ErrUnavailable, prefix, err)
	}
	return nil
}

// Close closes the connection pool
func (s *RedisStore) Close() error {
	return s.client.Close()
}
