// Package cache is the Redis-backed best-effort read accelerator.
// Every method degrades to a miss or a no-op when Redis is down or
// the cache is disabled; failures are logged, never propagated.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default TTLs per keyspace prefix.
const (
	TTLReviews      = 30 * time.Minute
	TTLBranchStats  = time.Hour
	TTLGeneralStats = 30 * time.Minute
	TTLRecent       = 15 * time.Minute
	TTLBranchesList = 2 * time.Hour
)

// Cache wraps a Redis client. A nil *Cache is valid and behaves as a
// permanently-missing cache, which is how a missing REDIS_URL is wired.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis at redisURL. Connection failure is reported so the
// caller can decide (the cache itself would degrade, but the queue must
// refuse to start), yet the returned Cache is still usable either way.
func New(redisURL string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return &Cache{rdb: rdb, logger: logger}, fmt.Errorf("ping redis: %w", err)
	}
	return &Cache{rdb: rdb, logger: logger}, nil
}

// Available reports whether Redis currently answers pings.
func (c *Cache) Available(ctx context.Context) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	return c.rdb.Ping(ctx).Err() == nil
}

// Get unmarshals the cached value at key into dest. Returns false on miss
// or any cache failure.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn("cache value unmarshal failed", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores value at key with the given TTL. Best effort.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value marshal failed", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// DeletePattern removes every key matching a glob pattern using cursor
// SCAN iteration (never the blocking KEYS), and reports how many keys
// went away.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int {
	if c == nil || c.rdb == nil {
		return 0
	}
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.logger.Warn("cache scan failed", "pattern", pattern, "error", err)
			return deleted
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				c.logger.Warn("cache delete failed", "pattern", pattern, "error", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted
		}
	}
}

// InvalidateBranch drops every cached aggregate a new review for the
// branch could have changed.
func (c *Cache) InvalidateBranch(ctx context.Context, branchID string) {
	if c == nil || c.rdb == nil {
		return
	}
	patterns := []string{
		fmt.Sprintf("reviews:%s:*", branchID),
		fmt.Sprintf("branch_stats:%s", branchID),
		"general_stats",
		"recent_reviews:*",
	}
	total := 0
	for _, p := range patterns {
		total += c.DeletePattern(ctx, p)
	}
	c.logger.Info("cache invalidated for branch", "branch_id", branchID, "keys", total)
}

// InvalidateAll clears every known keyspace prefix.
func (c *Cache) InvalidateAll(ctx context.Context) {
	if c == nil || c.rdb == nil {
		return
	}
	total := 0
	for _, p := range []string{"reviews:*", "branch_stats:*", "general_stats", "recent_reviews:*", "branches_list"} {
		total += c.DeletePattern(ctx, p)
	}
	c.logger.Info("cache fully invalidated", "keys", total)
}

// Stats summarizes memory use and per-prefix key counts for the operator
// endpoint.
func (c *Cache) Stats(ctx context.Context) map[string]any {
	if c == nil || c.rdb == nil {
		return map[string]any{"available": false}
	}
	out := map[string]any{"available": c.Available(ctx)}

	if info, err := c.rdb.Info(ctx, "memory").Result(); err == nil {
		out["memory_info"] = info
	}

	counts := make(map[string]int)
	for name, pattern := range map[string]string{
		"reviews":        "reviews:*",
		"branch_stats":   "branch_stats:*",
		"general_stats":  "general_stats",
		"recent_reviews": "recent_reviews:*",
		"branches_list":  "branches_list",
	} {
		counts[name] = c.countPattern(ctx, pattern)
	}
	out["keys_by_type"] = counts
	return out
}

func (c *Cache) countPattern(ctx context.Context, pattern string) int {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return count
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count
		}
	}
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
