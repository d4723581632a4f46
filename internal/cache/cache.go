// Package cache keeps computed public slots in Redis. Entries are keyed under
// a per-owner version counter, so bumping the counter invalidates every
// entry of that owner at once.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "unical:slots"

// SlotCache is a versioned JSON cache on a Redis client.
type SlotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New wraps an existing client. A non-positive ttl defaults to one minute.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *SlotCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SlotCache{client: client, ttl: ttl, logger: logger}
}

// Open connects to the server named by a redis:// URL and pings it.
func Open(ctx context.Context, url string, ttl time.Duration, logger *slog.Logger) (*SlotCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("Connected to slot cache.", "addr", opts.Addr)
	return New(client, ttl, logger), nil
}

// Close releases the client.
func (c *SlotCache) Close() error {
	return c.client.Close()
}

func versionKey(ownerID uint) string {
	return fmt.Sprintf("%s:%d:version", keyPrefix, ownerID)
}

func (c *SlotCache) entryKey(ctx context.Context, ownerID uint, key string) (string, error) {
	v, err := c.client.Get(ctx, versionKey(ownerID)).Int64()
	if errors.Is(err, redis.Nil) {
		v = 0
	} else if err != nil {
		return "", fmt.Errorf("failed to read cache version: %w", err)
	}
	return fmt.Sprintf("%s:%d:v%d:%s", keyPrefix, ownerID, v, key), nil
}

// Get decodes the entry stored under key into dst. ok is false on a miss.
func (c *SlotCache) Get(ctx context.Context, ownerID uint, key string, dst any) (bool, error) {
	k, err := c.entryKey(ctx, ownerID, key)
	if err != nil {
		return false, err
	}
	raw, err := c.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return true, nil
}

// Set stores v under key for the configured TTL.
func (c *SlotCache) Set(ctx context.Context, ownerID uint, key string, v any) error {
	k, err := c.entryKey(ctx, ownerID, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, k, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Bump moves the owner to a new version. Older entries are never read again
// and expire on their own.
func (c *SlotCache) Bump(ctx context.Context, ownerID uint) error {
	if err := c.client.Incr(ctx, versionKey(ownerID)).Err(); err != nil {
		return fmt.Errorf("failed to bump cache version: %w", err)
	}
	return nil
}
