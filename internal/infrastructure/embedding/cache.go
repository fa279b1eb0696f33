package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
)

// Cache types selectable through EMBEDDING_CACHE_TYPE.
const (
	CacheRedis  = "redis"
	CacheMemory = "memory"
	CacheNoop   = "noop"
)

// Cache stores query embeddings.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, value []float32)
}

// CacheConfig selects and sizes the cache.
type CacheConfig struct {
	Type      string
	KeyPrefix string
	MaxSize   int
	TTL       time.Duration
}

// NewCache builds the configured cache. redisClient is required for the redis type.
func NewCache(cfg CacheConfig, redisClient redis.UniversalClient) (Cache, error) {
	switch cfg.Type {
	case CacheRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis embedding cache requires REDIS_URL")
		}
		return NewRedisCache(redisClient, cfg.KeyPrefix, cfg.TTL), nil
	case CacheMemory, "":
		return NewMemoryCache(cfg.MaxSize, cfg.TTL)
	case CacheNoop:
		return NoopCache{}, nil
	default:
		return nil, fmt.Errorf("unknown embedding cache type: %s", cfg.Type)
	}
}

// RedisCache shares embeddings across replicas.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a redis-backed cache.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil || len(data)%4 != 0 {
		return nil, false
	}
	return decodeVector(data), true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []float32) {
	c.client.Set(ctx, c.prefix+key, encodeVector(value), c.ttl)
}

// MemoryCache is an in-process LRU with per-entry expiry.
type MemoryCache struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	value     []float32
	expiresAt time.Time
}

// NewMemoryCache creates an LRU cache holding at most maxSize vectors.
func NewMemoryCache(maxSize int, ttl time.Duration) (*MemoryCache, error) {
	if maxSize <= 0 {
		maxSize = 1024
	}
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{cache: cache, ttl: ttl, now: time.Now}, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	val, found := c.cache.Get(key)
	if !found {
		return nil, false
	}
	entry := val.(cacheEntry)
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)})
}

// NoopCache disables caching.
type NoopCache struct{}

func (NoopCache) Get(ctx context.Context, key string) ([]float32, bool) { return nil, false }

func (NoopCache) Set(ctx context.Context, key string, value []float32) {}

func encodeVector(v []float32) []byte {
	data := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func decodeVector(data []byte) []float32 {
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}
