// Package cache provides an optional two-layer result cache for lookup
// queries: an in-process memory layer (go-cache) in front of an optional
// Redis layer.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//
//	manager, err := cache.NewManager(redisClient, cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//
//	key := cache.CacheKey{Target: "10.0.0.5:8443", Kind: query.KindByID, Term: "12345678901"}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// execute the query, then
//		_ = manager.Set(ctx, key, results)
//	}
//
// A nil Redis client runs the manager with the memory layer only.
//
// # Metrics
//
//   - lookup_cache_hits_total{layer} - hits by layer ("memory", "redis")
//   - lookup_cache_misses_total - misses
//   - lookup_cache_size_bytes{layer} - bytes written per layer
//   - lookup_cache_errors_total{operation} - operation errors
package cache
