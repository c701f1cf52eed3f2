package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by CachedContext when no snapshot is cached.
var ErrCacheMiss = errors.New("context not cached")

// DefaultContextCacheTTL is how long a cached context snapshot lives.
const DefaultContextCacheTTL = 30 * time.Minute

// RedisClient is the subset of go-redis client methods used by RedisContextCache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisContextCache decorates a Store with a Redis cache for context
// snapshots. Conversation and message calls pass straight through. Redis
// failures are logged and fall back to the backing store.
type RedisContextCache struct {
	Store
	client RedisClient
	ttl    time.Duration
	prefix string
}

var _ Store = (*RedisContextCache)(nil)

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("store.NewRedisClient: connected", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

// NewRedisContextCache wraps backing. A non-positive ttl uses DefaultContextCacheTTL.
func NewRedisContextCache(backing Store, client RedisClient, ttl time.Duration) *RedisContextCache {
	if ttl <= 0 {
		ttl = DefaultContextCacheTTL
	}
	return &RedisContextCache{Store: backing, client: client, ttl: ttl, prefix: "havenchat:context:"}
}

// Backing returns the wrapped store.
func (c *RedisContextCache) Backing() Store {
	return c.Store
}

func (c *RedisContextCache) key(conversationID string) string {
	return c.prefix + conversationID
}

// CachedContext returns the cached snapshot or ErrCacheMiss.
func (c *RedisContextCache) CachedContext(ctx context.Context, conversationID string) ([]byte, error) {
	blob, err := c.client.Get(ctx, c.key(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return blob, nil
}

// GetContext reads through the cache and populates it on a miss.
func (c *RedisContextCache) GetContext(ctx context.Context, conversationID string) ([]byte, error) {
	blob, err := c.CachedContext(ctx, conversationID)
	if err == nil {
		slog.Debug("RedisContextCache.GetContext: cache hit", "conversationID", conversationID)
		return blob, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		slog.Warn("RedisContextCache.GetContext: cache unavailable, reading store", "conversationID", conversationID, "error", err)
	}

	blob, err = c.Store.GetContext(ctx, conversationID)
	if err != nil || blob == nil {
		return blob, err
	}
	if err := c.client.Set(ctx, c.key(conversationID), blob, c.ttl).Err(); err != nil {
		slog.Warn("RedisContextCache.GetContext: cache populate failed", "conversationID", conversationID, "error", err)
	}
	return blob, nil
}

// SaveContext writes to the backing store first, then refreshes the cache.
// A failed store write evicts the cached snapshot so reads go to the store.
func (c *RedisContextCache) SaveContext(ctx context.Context, conversationID string, blob []byte) error {
	if err := c.Store.SaveContext(ctx, conversationID, blob); err != nil {
		if delErr := c.client.Del(ctx, c.key(conversationID)).Err(); delErr != nil {
			slog.Warn("RedisContextCache.SaveContext: cache evict failed", "conversationID", conversationID, "error", delErr)
		}
		return err
	}
	if err := c.client.Set(ctx, c.key(conversationID), blob, c.ttl).Err(); err != nil {
		slog.Warn("RedisContextCache.SaveContext: cache write failed", "conversationID", conversationID, "error", err)
	}
	return nil
}

// Close closes the Redis client and the backing store.
func (c *RedisContextCache) Close() error {
	return errors.Join(c.client.Close(), c.Store.Close())
}
