// Package cache implements a two-tier semantic similarity cache for
// retrieval-augmented search pipelines.
//
// Lookups are matched by cosine similarity between query embeddings rather
// than by string equality, so a paraphrased question can be answered from a
// previous pipeline run. Entries live in two tiers:
//
//   - Tier 1 is an in-process LRU of bounded size. It is always written
//     synchronously, so a Set followed by a Get in the same goroutine
//     observes the new entry.
//   - Tier 2 is a durable Store (Redis or SQL, see the redisstore and
//     sqlstore packages). It is best-effort: writes are queued to a worker
//     pool, every call carries its own timeout and runs behind a circuit
//     breaker, and failures are logged and treated as "no data".
//
// A Tier 2 hit is promoted into Tier 1 with a discounted confidence and its
// original creation time, so promotion never extends an entry's lifetime.
//
// # Basic Usage
//
//	store := redisstore.New(redisClient, redisstore.Options{Prefix: "semcache"})
//	manager, err := cache.NewManager(store, cache.DefaultConfig(), logger, metrics)
//	if err != nil {
//	    return err
//	}
//	defer manager.Close(ctx)
//
//	hit, err := manager.Get(ctx, query, embedding)
//	if err != nil {
//	    return err // contract violation: bad embedding or empty query
//	}
//	if hit == nil {
//	    results, docIDs, err := pipeline(ctx, query)
//	    ...
//	    _ = manager.Set(ctx, query, embedding, results, docIDs)
//	}
//
// GetOrCompute wraps the same flow and collapses concurrent misses for the
// same entry into a single pipeline call.
//
// # Invalidation
//
// The cache cannot detect that a source document changed. Whatever updates
// documents must call InvalidateByDocuments with the changed document IDs;
// every entry whose results were built from any of them is removed from both
// tiers.
//
// # Contract Violations
//
// Empty, NaN or infinite embeddings, embeddings whose dimensionality differs
// from the cache's, queries that normalize to nothing, and results with an
// empty ID or a NaN score are rejected with ErrInvalidEmbedding,
// ErrDimensionMismatch, ErrInvalidQuery or ErrInvalidEntry. Nothing is
// counted for a rejected call.
package cache
