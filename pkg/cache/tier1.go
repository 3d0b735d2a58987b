package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryTier is the in-process Tier 1. Recency in the LRU equals
// LastAccessed order because inserts and hits are the only operations that
// touch it; scans use Peek.
type memoryTier struct {
	mu    sync.RWMutex
	items *lru.Cache[string, *CacheEntry]
}

func newMemoryTier(size int) (*memoryTier, error) {
	items, err := lru.New[string, *CacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &memoryTier{items: items}, nil
}

// get looks id up exactly, then, when semantic is set, scans live entries for
// the most similar one at or above threshold. A hit bumps Hits and
// LastAccessed and returns a copy. Expired entries met on the way are removed.
func (t *memoryTier) get(id string, embedding []float32, threshold float64, semantic bool, now time.Time) (*CacheEntry, float64, bool) {
	var (
		best    bestMatch
		expired []string
	)

	t.mu.RLock()
	if entry, ok := t.items.Peek(id); ok {
		if entry.IsExpired(now) {
			expired = append(expired, id)
		} else if len(entry.QueryEmbedding) == len(embedding) {
			best = bestMatch{entry: entry, similarity: CosineSimilarity(embedding, entry.QueryEmbedding)}
		}
	}
	if best.entry == nil && semantic {
		for _, entry := range t.items.Values() {
			if entry.IsExpired(now) {
				expired = append(expired, entry.ID)
				continue
			}
			if len(entry.QueryEmbedding) != len(embedding) {
				continue
			}
			best.offer(entry, CosineSimilarity(embedding, entry.QueryEmbedding), threshold)
		}
	}
	t.mu.RUnlock()

	if best.entry == nil && len(expired) == 0 {
		return nil, 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range expired {
		if entry, ok := t.items.Peek(key); ok && entry.IsExpired(now) {
			t.items.Remove(key)
		}
	}

	if best.entry == nil {
		return nil, 0, false
	}

	// Re-check: the entry may have been replaced, removed or expired since
	// the read lock was dropped
	current, ok := t.items.Get(best.entry.ID)
	if !ok || current != best.entry || current.IsExpired(now) {
		return nil, 0, false
	}
	current.Metadata.Hits++
	current.Metadata.LastAccessed = now
	return current.Clone(), best.similarity, true
}

// put inserts or replaces the entry, evicting the least recently accessed
// entry when full. It reports whether an eviction happened.
func (t *memoryTier) put(entry *CacheEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items.Add(entry.ID, entry)
}

// promote inserts a copy read from Tier 2 unless Tier 1 already holds a live
// entry with the same id created no earlier; that entry then takes the hit
// instead. It returns the held entry's copy, whether entry was added, and
// whether an eviction happened.
func (t *memoryTier) promote(entry *CacheEntry, now time.Time) (*CacheEntry, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.items.Get(entry.ID); ok && !current.IsExpired(now) &&
		!current.Metadata.Timestamp.Before(entry.Metadata.Timestamp) {
		current.Metadata.Hits++
		current.Metadata.LastAccessed = now
		return current.Clone(), false, false
	}
	return nil, true, t.items.Add(entry.ID, entry)
}

// evictByDocuments removes every entry referencing any of docs and returns
// the removed ids
func (t *memoryTier) evictByDocuments(docs map[string]struct{}) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for _, key := range t.items.Keys() {
		entry, ok := t.items.Peek(key)
		if ok && entry.ReferencesAny(docs) {
			t.items.Remove(key)
			removed = append(removed, key)
		}
	}
	return removed
}

func (t *memoryTier) delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items.Remove(id)
}

// peek returns a copy of the live entry with id without counting a hit
func (t *memoryTier) peek(id string, now time.Time) *CacheEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.items.Peek(id)
	if !ok || entry.IsExpired(now) {
		return nil
	}
	return entry.Clone()
}

func (t *memoryTier) contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.items.Contains(id)
}

func (t *memoryTier) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items.Purge()
}

func (t *memoryTier) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.items.Len()
}

// resize changes capacity in place and returns how many entries were evicted
func (t *memoryTier) resize(size int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items.Resize(size)
}

// purgeExpired removes every expired entry and returns how many went
func (t *memoryTier) purgeExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, key := range t.items.Keys() {
		if entry, ok := t.items.Peek(key); ok && entry.IsExpired(now) {
			t.items.Remove(key)
			removed++
		}
	}
	return removed
}
