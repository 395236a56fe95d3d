package fingerprint

import (
	"container/list"
	"sort"
	"sync"
	"time"
)

// Cache is a bounded, TTL-expiring, least-recently-used text cache.
// It is purely advisory: Get never fails, it only misses, and a miss
// falls through safely to the provider router.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List // front = most recently used
	items    map[string]*list.Element
	hits     uint64
	misses   uint64
	nowFunc  func() time.Time
}

type entry struct {
	key       string
	text      string
	createdAt time.Time
	hits      int
}

// NewCache creates a cache with the given capacity and entry TTL.
// The TTL should outlast a typical session but not accumulate
// cross-session staleness; capacity pressure evicts the least
// recently used entry.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (c *Cache) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	c.nowFunc = now
	c.mu.Unlock()
}

// Get returns the cached text for key, if present and fresh. Expired
// entries are removed on access. Every call increments the hit or
// miss counter.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return "", false
	}

	ent := el.Value.(*entry)
	if c.nowFunc().Sub(ent.createdAt) >= c.ttl {
		c.ll.Remove(el)
		delete(c.items, key)
		c.misses++
		return "", false
	}

	ent.hits++
	c.hits++
	c.ll.MoveToFront(el)
	return ent.text, true
}

// Put stores text under key, refreshing the entry's creation time if
// the key already exists. When at capacity, the least recently used
// entry is evicted.
func (c *Cache) Put(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.text = text
		ent.createdAt = c.nowFunc()
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}

	el := c.ll.PushFront(&entry{key: key, text: text, createdAt: c.nowFunc()})
	c.items[key] = el
}

// KeyStat reports one cached key's reuse count.
type KeyStat struct {
	Key  string `json:"key"`
	Hits int    `json:"hits"`
}

// Stats is the cache introspection surface.
type Stats struct {
	Hits           uint64    `json:"hits"`
	Misses         uint64    `json:"misses"`
	Size           int       `json:"size"`
	HitRatePercent float64   `json:"hit_rate_percent"`
	TopKeys        []KeyStat `json:"top_keys"`
}

// maxTopKeys bounds the TopKeys list in Stats.
const maxTopKeys = 5

// Stats returns a point-in-time snapshot of cache counters and the
// most-reused keys.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:   c.hits,
		Misses: c.misses,
		Size:   c.ll.Len(),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatePercent = float64(c.hits) / float64(total) * 100
	}

	keys := make([]KeyStat, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		keys = append(keys, KeyStat{Key: ent.key, Hits: ent.hits})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Hits != keys[j].Hits {
			return keys[i].Hits > keys[j].Hits
		}
		return keys[i].Key < keys[j].Key
	})
	if len(keys) > maxTopKeys {
		keys = keys[:maxTopKeys]
	}
	s.TopKeys = keys

	return s
}
