package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/lookup-client/pkg/query"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Config holds the cache configuration.
type Config struct {
	// TTL is how long results stay valid in Redis.
	TTL time.Duration

	// MemoryTTL is how long results stay in the memory layer. It is capped
	// at TTL.
	MemoryTTL time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:       10 * time.Minute,
		MemoryTTL: 1 * time.Minute,
	}
}

// Manager handles caching operations with a memory layer and an optional
// Redis backend.
type Manager struct {
	redis  *redis.Client
	memory *gocache.Cache
	config Config
}

// NewManager creates a new cache manager. redisClient may be nil.
func NewManager(redisClient *redis.Client, cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be > 0 (got %s)", cfg.TTL)
	}
	if cfg.MemoryTTL <= 0 || cfg.MemoryTTL > cfg.TTL {
		cfg.MemoryTTL = cfg.TTL
	}

	return &Manager{
		redis:  redisClient,
		memory: gocache.New(cfg.MemoryTTL, 2*cfg.MemoryTTL),
		config: cfg,
	}, nil
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	cacheKey := key.String()

	if v, ok := m.memory.Get(cacheKey); ok {
		entry := v.(*CacheEntry)
		if !entry.IsExpired() {
			CacheHits.WithLabelValues("memory").Inc()
			return entry, nil
		}
		m.memory.Delete(cacheKey)
	}

	if m.redis == nil {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()

	// Promote to the memory layer.
	m.memory.Set(cacheKey, &entry, minDuration(entry.TTL(), m.config.MemoryTTL))

	return &entry, nil
}

// Set stores results under key with the configured TTL.
func (m *Manager) Set(ctx context.Context, key CacheKey, results []query.Result) error {
	now := time.Now()
	entry := &CacheEntry{
		Results:  results,
		Expires:  now.Add(m.config.TTL),
		CachedAt: now,
	}
	return m.SetEntry(ctx, key, entry)
}

// SetEntry stores a prepared entry. TTL is derived from the entry's Expires
// field; already expired entries are not stored.
func (m *Manager) SetEntry(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	cacheKey := key.String()

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	m.memory.Set(cacheKey, entry, minDuration(ttl, m.config.MemoryTTL))
	CacheSize.WithLabelValues("memory").Add(float64(len(data)))

	if m.redis == nil {
		return nil
	}

	if err := m.redis.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	CacheSize.WithLabelValues("redis").Add(float64(len(data)))

	return nil
}

// Delete removes a cache entry from both layers.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	cacheKey := key.String()
	m.memory.Delete(cacheKey)

	if m.redis == nil {
		return nil
	}

	if err := m.redis.Del(ctx, cacheKey).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// Flush clears the memory layer.
func (m *Manager) Flush() {
	m.memory.Flush()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
