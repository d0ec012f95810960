// Package cache implements the multi-tier entity cache: a small
// "hot" LRU promoted on access, backed by a larger "warm" LRU that
// absorbs hot evictions, with TTL-based staleness and optional
// predictive prefetching through a neighbor lookahead function.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is one cached value with its insertion time. Both tiers hold
// *entry so that value identity is preserved across hot/warm promotion.
type entry struct {
	key        string
	value      any
	insertedAt time.Time
}

// Tier identifies which LRU satisfied a lookup, for statistics.
type Tier int

const (
	TierMiss Tier = iota
	TierHot
	TierWarm
)

// Cache is a two-tier LRU over arbitrary values keyed by string id.
// It borrows entities from the backend; it never owns canonical state.
type Cache struct {
	mu sync.Mutex

	hotCap  int
	warmCap int
	maxAge  time.Duration

	hotList  *list.List
	hotIdx   map[string]*list.Element
	warmList *list.List
	warmIdx  map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Cache with the given tier capacities and staleness
// bound. A zero maxAge disables TTL expiry; a positive one also starts
// the background sweep that drops expired entries on its own tick, so
// stale entries don't linger until the next Get touches them. Call
// Close to stop the sweeper.
func New(hotCap, warmCap int, maxAge time.Duration) *Cache {
	c := &Cache{
		hotCap:   hotCap,
		warmCap:  warmCap,
		maxAge:   maxAge,
		hotList:  list.New(),
		hotIdx:   make(map[string]*list.Element),
		warmList: list.New(),
		warmIdx:  make(map[string]*list.Element),
		stopCh:   make(chan struct{}),
	}
	if maxAge > 0 {
		go c.sweepLoop()
	}
	return c
}

// sweepLoop expires stale entries once per maxAge interval.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the background sweep loop. Safe to call more than once,
// and a no-op for caches built without a TTL.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Get returns the cached value for key and which tier served it.
// A stale entry (older than maxAge) is treated as a miss and evicted.
func (c *Cache) Get(key string) (any, Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.hotIdx[key]; ok {
		e := el.Value.(*entry)
		if c.stale(e) {
			c.removeHot(el)
			c.misses++
			return nil, TierMiss
		}
		c.hotList.MoveToFront(el)
		c.hits++
		return e.value, TierHot
	}

	if el, ok := c.warmIdx[key]; ok {
		e := el.Value.(*entry)
		if c.stale(e) {
			c.removeWarm(el)
			c.misses++
			return nil, TierMiss
		}
		c.warmList.Remove(el)
		delete(c.warmIdx, key)
		c.promoteToHot(e)
		c.hits++
		return e.value, TierWarm
	}

	c.misses++
	return nil, TierMiss
}

func (c *Cache) stale(e *entry) bool {
	return c.maxAge > 0 && time.Since(e.insertedAt) > c.maxAge
}

// Set inserts or replaces key in the hot tier, letting overflow cascade
// into the warm tier.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.hotIdx[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.insertedAt = time.Now()
		c.hotList.MoveToFront(el)
		return
	}
	if el, ok := c.warmIdx[key]; ok {
		c.warmList.Remove(el)
		delete(c.warmIdx, key)
	}
	c.promoteToHot(&entry{key: key, value: value, insertedAt: time.Now()})
}

func (c *Cache) promoteToHot(e *entry) {
	el := c.hotList.PushFront(e)
	c.hotIdx[e.key] = el
	for c.hotCap > 0 && c.hotList.Len() > c.hotCap {
		c.evictOldestHotIntoWarm()
	}
}

func (c *Cache) evictOldestHotIntoWarm() {
	back := c.hotList.Back()
	if back == nil {
		return
	}
	c.hotList.Remove(back)
	e := back.Value.(*entry)
	delete(c.hotIdx, e.key)

	el := c.warmList.PushFront(e)
	c.warmIdx[e.key] = el
	for c.warmCap > 0 && c.warmList.Len() > c.warmCap {
		wb := c.warmList.Back()
		if wb == nil {
			break
		}
		c.warmList.Remove(wb)
		we := wb.Value.(*entry)
		delete(c.warmIdx, we.key)
		c.evictions++
	}
}

func (c *Cache) removeHot(el *list.Element) {
	e := el.Value.(*entry)
	c.hotList.Remove(el)
	delete(c.hotIdx, e.key)
}

func (c *Cache) removeWarm(el *list.Element) {
	e := el.Value.(*entry)
	c.warmList.Remove(el)
	delete(c.warmIdx, e.key)
}

// Evict removes key from both tiers, bypassing the backend — used on
// noun/verb delete.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.hotIdx[key]; ok {
		c.removeHot(el)
	}
	if el, ok := c.warmIdx[key]; ok {
		c.removeWarm(el)
	}
}

// Sweep drops every entry older than maxAge from both tiers. The
// sweepLoop started by New calls it once per maxAge interval.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxAge <= 0 {
		return 0
	}
	removed := 0
	for el := c.hotList.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if c.stale(e) {
			c.removeHot(el)
			removed++
		}
		el = next
	}
	for el := c.warmList.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if c.stale(e) {
			c.removeWarm(el)
			removed++
		}
		el = next
	}
	return removed
}

// Stats reports hit/miss/eviction counters and the approximate item
// count held across both tiers.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	HotSize   int
	WarmSize  int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HotSize:   c.hotList.Len(),
		WarmSize:  c.warmList.Len(),
	}
}

// NeighborLookup returns the in-memory HNSW neighbor ids of id, used by
// Prefetch to decide what to enqueue. Implemented by the partitioned
// index; kept as an interface here to avoid an import cycle.
type NeighborLookup func(id string) []string

// Fetcher asynchronously retrieves an id through the request coalescer,
// populating the cache as a side effect.
type Fetcher func(id string)

// Prefetch enqueues up to prefetchSize unseen neighbor ids of the given
// entity ids for asynchronous fetch (predictive prefetching).
func Prefetch(ids []string, neighbors NeighborLookup, have func(string) bool, prefetchSize int, fetch Fetcher) {
	if prefetchSize <= 0 {
		return
	}
	seen := make(map[string]bool, prefetchSize)
	enqueued := 0
	for _, id := range ids {
		for _, n := range neighbors(id) {
			if seen[n] || have(n) {
				continue
			}
			seen[n] = true
			go fetch(n)
			enqueued++
			if enqueued >= prefetchSize {
				return
			}
		}
	}
}
