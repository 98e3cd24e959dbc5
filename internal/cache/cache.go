package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-resvar/internal/lmfit"
)

// FitCache defines a generic interface for caching decomposed model fits.
type FitCache interface {
	// Get retrieves a fit from the cache. Keys are compared byte for byte.
	Get(key string) (lmfit.Fit, bool)
	// Put stores a fit in the cache.
	Put(key string, fit lmfit.Fit)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of FitCache.
// Fits are immutable, so cached values are shared rather than copied.
// Keys are bucketed by their xxhash and compared in full on lookup.
type MapCache struct {
	buckets    map[uint64][]entry
	hash       func(string) uint64
	n          int
	maxEntries int
	mu         sync.RWMutex
}

type entry struct {
	key string
	fit lmfit.Fit
}

// NewMapCache creates a cache holding at most maxEntries fits (0 means unbounded).
func NewMapCache(maxEntries int) *MapCache {
	return &MapCache{
		buckets:    make(map[uint64][]entry),
		hash:       xxhash.Sum64String,
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key string) (lmfit.Fit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.buckets[c.hash(key)] {
		if e.key == key {
			cacheHits.Inc()
			return e.fit, true
		}
	}
	cacheMisses.Inc()
	return nil, false
}

func (c *MapCache) Put(key string, fit lmfit.Fit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.hash(key)
	for i, e := range c.buckets[h] {
		if e.key == key {
			c.buckets[h][i].fit = fit
			return
		}
	}
	if c.maxEntries > 0 && c.n >= c.maxEntries {
		c.evictOne()
	}
	c.buckets[h] = append(c.buckets[h], entry{key: key, fit: fit})
	c.n++
	cacheEntries.Set(float64(c.n))
}

// evictOne drops an arbitrary entry. Callers hold mu.
func (c *MapCache) evictOne() {
	for h, b := range c.buckets {
		if len(b) == 1 {
			delete(c.buckets, h)
		} else {
			c.buckets[h] = b[1:]
		}
		c.n--
		return
	}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.n
}
