// Package querycache caches query result document ids keyed by
// (collection, filter), invalidated wholesale on any write to the
// collection. Granular invalidation (tracking which cached entries a
// given write could affect) is not implemented without a correctness
// proof that it's safe, per the coarse-invalidation design decision.
package querycache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ironbase/ironbase/internal/bsonval"
)

// DefaultCapacity is the default number of cached query results.
const DefaultCapacity = 1000

// Entry is a cached query result: the matching document ids in the
// order find returned them.
type Entry struct {
	IDs []bsonval.ID
}

// Cache is a collection-scoped LRU cache of filter -> result ids.
type Cache struct {
	mu    sync.Mutex
	byColl map[string]*lru.Cache[string, Entry]
	capacity int
}

// New creates a cache with the given per-collection capacity. A
// capacity of 0 uses [DefaultCapacity].
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Cache{
		byColl:   map[string]*lru.Cache[string, Entry]{},
		capacity: capacity,
	}
}

func (c *Cache) collCache(collection string) *lru.Cache[string, Entry] {
	lc, ok := c.byColl[collection]
	if !ok {
		lc, _ = lru.New[string, Entry](c.capacity)
		c.byColl[collection] = lc
	}

	return lc
}

// Get looks up a cached result for (collection, key) without bumping
// LRU recency (a peek, not a touch) — planner cache hits shouldn't
// perturb eviction order any more than a cache miss would.
func (c *Cache) Get(collection, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lc, ok := c.byColl[collection]
	if !ok {
		return Entry{}, false
	}

	return lc.Peek(key)
}

// Put stores a result for (collection, key).
func (c *Cache) Put(collection, key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.collCache(collection).Add(key, entry)
}

// InvalidateCollection drops every cached entry for collection. Called
// after any insert/update/delete/index change against it.
func (c *Cache) InvalidateCollection(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.byColl, collection)
}

// Key builds a deterministic cache key from a filter's canonical JSON
// form plus an optional hint/sort suffix, so distinct query shapes
// never collide.
func Key(filter map[string]any, suffix string) string {
	return bsonval.CanonicalJSON(filter) + "|" + suffix
}
