// Package cache provides thread-safe, generic in-memory caches with several
// eviction policies, built-in statistics, and optional Prometheus metrics.
//
// # Overview
//
// Four implementations share the Cache[V] interface:
//   - Simple: no eviction (manual cleanup only)
//   - LRU: least-recently-used eviction at a fixed capacity
//   - TTL: time-to-live expiration with a background sweeper
//   - Hybrid: LRU capacity plus TTL expiration combined
//
// In this codebase the LRU variant bounds the agent's per-requester rate
// limiter table, the TTL variant memoizes the sandbox source's synthetic
// datasets, and the client's dataset cache accepts any Cache[wire.Dataset],
// typically a Hybrid built from configuration.
//
// # Quick Start
//
// Simple cache:
//
//	c := cache.NewSimple[wire.Dataset]()
//	c.Set("sandbox/meter-42", dataset)
//	dataset, ok := c.Get("sandbox/meter-42")
//
// LRU cache with a capacity limit:
//
//	c, err := cache.NewLRU[*rate.Limiter](1024)
//
// TTL cache with expiration:
//
//	c, err := cache.NewTTL[wire.Dataset](ctx, 30*time.Minute, 5*time.Minute)
//
// Hybrid cache with both:
//
//	c, err := cache.NewHybrid[wire.Dataset](ctx, 5000, 10*time.Minute, time.Minute,
//		cache.WithMetrics[wire.Dataset](registry, "dataset_cache"),
//		cache.WithEvictionCallback[wire.Dataset](func(key string, d wire.Dataset) {
//			log.Printf("evicted %s", key)
//		}),
//	)
//
// NewFromConfig builds any of the four from a Config, which is how the client
// wires its dataset cache without hard-coding a strategy.
//
// # Choosing a variant
//
// Simple keeps entries until deleted; use it for small, stable sets and in
// tests. LRU bounds memory when the key space is unbounded, like requester
// identities. TTL suits data that goes stale on its own, like memoized
// measurement ranges. Hybrid is the production default when both bounds
// matter.
//
// # Observability
//
// Statistics are always on: atomic counters for hits, misses, sets, deletes,
// and evictions, exposed via Stats() together with the hit ratio and the size
// high-water mark. Prometheus metrics are opt-in via WithMetrics and export
// the same activity as counters and gauges labeled by component. The two are
// tracked independently so statistics keep working in tests and in deployments
// without a metrics registry.
//
// # Thread safety
//
// All operations are safe for concurrent use. Reads take an RWMutex read
// lock, writes are serialized, statistics use atomics, and eviction callbacks
// run outside the cache lock so a callback can safely touch the cache again.
//
// # Context and cleanup
//
// TTL and Hybrid caches run a background sweeper goroutine tied to the
// context passed at construction; cancel it to stop the sweeper. Simple and
// LRU caches start no goroutines. Close() releases resources on every
// variant.
package cache
