package geospatial

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TileCache is a concurrent-safe LRU cache for MVT tiles with TTL expiration.
type TileCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration
	hits       atomic.Int64
	misses     atomic.Int64
}

type tileCacheEntry struct {
	key       string
	data      []byte
	createdAt time.Time
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// NewTileCache creates a new TileCache with the given capacity and TTL.
func NewTileCache(maxEntries int, ttl time.Duration) *TileCache {
	return &TileCache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// tileKey builds the cache key for a tile of one run.
func tileKey(layer, runID string, z, x, y int) string {
	return fmt.Sprintf("%s/%s/%d/%d/%d", layer, runID, z, x, y)
}

// Get retrieves a cached tile. Returns nil on miss or expiration.
func (c *TileCache) Get(layer, runID string, z, x, y int) []byte {
	key := tileKey(layer, runID, z, x, y)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil
	}
	entry := el.Value.(*tileCacheEntry)
	if time.Since(entry.createdAt) > c.ttl {
		c.lru.Remove(el)
		delete(c.entries, key)
		c.misses.Add(1)
		return nil
	}

	c.lru.MoveToFront(el)
	c.hits.Add(1)
	return entry.data
}

// Put stores a tile, evicting the least recently used entry at capacity.
func (c *TileCache) Put(layer, runID string, z, x, y int, data []byte) {
	key := tileKey(layer, runID, z, x, y)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value = &tileCacheEntry{key: key, data: data, createdAt: time.Now()}
		c.lru.MoveToFront(el)
		return
	}

	for c.lru.Len() >= c.maxEntries && c.lru.Len() > 0 {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*tileCacheEntry).key)
	}

	c.entries[key] = c.lru.PushFront(&tileCacheEntry{key: key, data: data, createdAt: time.Now()})
}

// Stats returns cache performance statistics.
func (c *TileCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Entries:    entries,
		MaxEntries: c.maxEntries,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
	}
}
