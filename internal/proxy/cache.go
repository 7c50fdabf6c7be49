package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is an answer cache keyed by the trimmed query text. Probe returns a
// previously stored answer for an identical query, or false. Implementations
// treat their own failures as misses.
type Cache interface {
	Probe(ctx context.Context, query string) (string, bool)
	Store(ctx context.Context, query, answer string)
}

// NopCache never hits and discards stores. Used when caching is disabled.
type NopCache struct{}

func (NopCache) Probe(context.Context, string) (string, bool) { return "", false }
func (NopCache) Store(context.Context, string, string)        {}

// MemoryCache is an in-process exact-match cache with a fixed TTL window.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryItem
	now     func() time.Time
}

type memoryItem struct {
	answer   string
	storedAt time.Time
}

// NewMemoryCache creates a memory cache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]memoryItem),
		now:     time.Now,
	}
}

func (c *MemoryCache) Probe(_ context.Context, query string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.entries[query]
	if !ok {
		return "", false
	}
	if c.now().Sub(item.storedAt) > c.ttl {
		delete(c.entries, query)
		return "", false
	}
	return item.answer, true
}

func (c *MemoryCache) Store(_ context.Context, query, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[query] = memoryItem{answer: answer, storedAt: c.now()}
}

// redisOpTimeout bounds every Redis round trip so a slow cache never stalls a
// request past its own budget.
const redisOpTimeout = 2 * time.Second

// RedisCache stores answers in Redis under a SHA-256 digest of the query.
// Redis faults degrade to cache misses.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to Redis and verifies the connection with a ping.
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

func (c *RedisCache) Probe(ctx context.Context, query string) (string, bool) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	val, err := c.rdb.Get(opCtx, cacheKey(query)).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("redis cache probe failed", "error", err)
		}
		return "", false
	}
	return val, true
}

func (c *RedisCache) Store(ctx context.Context, query, answer string) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.rdb.Set(opCtx, cacheKey(query), answer, c.ttl).Err(); err != nil {
		slog.Warn("redis cache store failed", "error", err)
	}
}

func cacheKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return "quotelog:answer:" + hex.EncodeToString(sum[:])
}
