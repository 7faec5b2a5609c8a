package geospatial

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTileCache_BasicGetPut(t *testing.T) {
	cache := NewTileCache(100, time.Hour)

	assert.Nil(t, cache.Get("zones", "r1", 10, 536, 358))

	data := []byte("mvt-tile-data")
	cache.Put("zones", "r1", 10, 536, 358, data)
	assert.Equal(t, data, cache.Get("zones", "r1", 10, 536, 358))

	assert.Nil(t, cache.Get("zones", "r2", 10, 536, 358), "runs are cached separately")
	assert.Nil(t, cache.Get("stations", "r1", 10, 536, 358))
}

func TestTileCache_TTLExpiration(t *testing.T) {
	cache := NewTileCache(100, 50*time.Millisecond)

	cache.Put("zones", "", 1, 0, 0, []byte("tile"))
	assert.NotNil(t, cache.Get("zones", "", 1, 0, 0))

	time.Sleep(60 * time.Millisecond)
	assert.Nil(t, cache.Get("zones", "", 1, 0, 0))
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestTileCache_LRUEviction(t *testing.T) {
	cache := NewTileCache(2, time.Hour)

	cache.Put("zones", "r", 1, 0, 0, []byte("a"))
	cache.Put("zones", "r", 1, 0, 1, []byte("b"))
	// Touch a so b becomes the eviction candidate.
	assert.NotNil(t, cache.Get("zones", "r", 1, 0, 0))
	cache.Put("zones", "r", 1, 0, 2, []byte("c"))

	assert.NotNil(t, cache.Get("zones", "r", 1, 0, 0))
	assert.Nil(t, cache.Get("zones", "r", 1, 0, 1))
	assert.NotNil(t, cache.Get("zones", "r", 1, 0, 2))
}

func TestTileCache_Overwrite(t *testing.T) {
	cache := NewTileCache(2, time.Hour)

	cache.Put("zones", "r", 1, 0, 0, []byte("old"))
	cache.Put("zones", "r", 1, 0, 0, []byte("new"))
	assert.Equal(t, []byte("new"), cache.Get("zones", "r", 1, 0, 0))
	assert.Equal(t, 1, cache.Stats().Entries)
}

func TestTileCache_Stats(t *testing.T) {
	cache := NewTileCache(10, time.Hour)

	cache.Put("zones", "r", 1, 0, 0, []byte("a"))
	cache.Get("zones", "r", 1, 0, 0)
	cache.Get("zones", "r", 1, 0, 0)
	cache.Get("zones", "r", 1, 9, 9)

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, 10, stats.MaxEntries)
}

func TestTileCache_Concurrent(t *testing.T) {
	cache := NewTileCache(50, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Put("zones", "r", 12, i, j, []byte{byte(j)})
				cache.Get("zones", "r", 12, i, j)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, cache.Stats().Entries, 50)
}
