package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// Cache is a two-level read-through cache for evidence search results: an
// in-process LRU in front of Redis, keyed on the tier and a hash of the query text.
// A hit in either level skips the source fan-out entirely.
type Cache struct {
	redis      *redis.Client
	memory     *lru.Cache[string, domain.CachedEvidenceEnvelope]
	defaultTTL time.Duration
}

// NewCache builds a Cache from CacheConfig. Redis connectivity is verified
// eagerly so startup fails fast on misconfiguration.
func NewCache(cfg domain.CacheConfig) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.PoolTimeout = cfg.PoolTimeout
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	size := cfg.MemoryCacheSize
	if size <= 0 {
		size = 256
	}
	memory, err := lru.New[string, domain.CachedEvidenceEnvelope](size)
	if err != nil {
		return nil, fmt.Errorf("build memory cache: %w", err)
	}

	return &Cache{redis: client, memory: memory, defaultTTL: cfg.DefaultTTL}, nil
}

// Get returns a cached evidence trace for (tier, query) if present and
// unexpired, checking the in-memory LRU before falling back to Redis.
func (c *Cache) Get(ctx context.Context, tier domain.EvidenceTier, query string) (*domain.EvidenceTrace, bool) {
	key := cacheKey(tier, query)

	if envelope, ok := c.memory.Get(key); ok {
		if !envelope.Expired() {
			return &envelope.Trace, true
		}
		c.memory.Remove(key)
	}

	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return nil, false
	}

	var envelope domain.CachedEvidenceEnvelope
	if err := json.Unmarshal([]byte(val), &envelope); err != nil {
		c.redis.Del(ctx, key)
		return nil, false
	}
	if envelope.Expired() {
		c.redis.Del(ctx, key)
		return nil, false
	}

	c.memory.Add(key, envelope)
	return &envelope.Trace, true
}

// Set stores a trace for (tier, query) with the cache's default TTL.
func (c *Cache) Set(ctx context.Context, tier domain.EvidenceTier, query string, trace domain.EvidenceTrace) error {
	key := cacheKey(tier, query)
	now := time.Now()
	envelope := domain.CachedEvidenceEnvelope{
		Trace:     trace,
		CachedAt:  now,
		ExpiresAt: now.Add(c.defaultTTL),
	}

	c.memory.Add(key, envelope)

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal cache envelope: %w", err)
	}
	return c.redis.Set(ctx, key, data, c.defaultTTL).Err()
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error {
	return c.redis.Close()
}

func cacheKey(tier domain.EvidenceTier, query string) string {
	hash := sha256.Sum256([]byte(query))
	return fmt.Sprintf("evidence:%s:%x", tier, hash[:8])
}
