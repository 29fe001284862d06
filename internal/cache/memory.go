package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/NikhilSetiya/invest-assistant/pkg/resilience"
)

// Config holds response cache configuration
type Config struct {
	TTL        time.Duration `json:"ttl"`
	MaxEntries int           `json:"max_entries"`
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time `json:"-"`
}

// DefaultConfig returns a five minute TTL and a 1000 entry bound
func DefaultConfig() *Config {
	return &Config{
		TTL:        5 * time.Minute,
		MaxEntries: 1000,
	}
}

// Stats reports cache activity since creation
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

type memoryEntry struct {
	key       string
	value     *resilience.Response
	timestamp time.Time
}

// MemoryCache is a bounded in-process response cache. Entries are valid while
// now - timestamp < TTL; expired entries are dropped when read, and the least
// recently used entry is evicted once MaxEntries is reached.
type MemoryCache struct {
	config *Config
	mutex  sync.Mutex
	order  *list.List
	items  map[string]*list.Element
	stats  Stats
}

// NewMemoryCache creates a memory cache
func NewMemoryCache(config *Config) *MemoryCache {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = defaults.MaxEntries
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &MemoryCache{
		config: config,
		order:  list.New(),
		items:  make(map[string]*list.Element),
	}
}

// Get returns a fresh entry and marks it recently used
func (c *MemoryCache) Get(_ context.Context, key string) (*resilience.Response, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	entry := elem.Value.(*memoryEntry)
	if c.config.Clock().Sub(entry.timestamp) >= c.config.TTL {
		c.removeElement(elem)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.stats.Hits++
	return entry.value, true
}

// Set stores or refreshes an entry. Last writer wins.
func (c *MemoryCache) Set(_ context.Context, key string, resp *resilience.Response) {
	if resp == nil {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.config.Clock()
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = resp
		entry.timestamp = now
		c.order.MoveToFront(elem)
		return
	}

	c.items[key] = c.order.PushFront(&memoryEntry{key: key, value: resp, timestamp: now})
	for c.order.Len() > c.config.MaxEntries {
		c.removeElement(c.order.Back())
		c.stats.Evictions++
	}
}

// Len returns the number of stored entries, including expired ones not yet read
func (c *MemoryCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.order.Len()
}

// Stats returns a copy of the counters
func (c *MemoryCache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	stats := c.stats
	stats.Entries = c.order.Len()
	return stats
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	entry := c.order.Remove(elem).(*memoryEntry)
	delete(c.items, entry.key)
}
