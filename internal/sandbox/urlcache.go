package sandbox

import (
	"sync"
	"time"
)

const (
	urlCacheTTL        = 15 * time.Minute
	urlCacheMaxEntries = 100
)

// urlCache memoizes successful fetches so repeated tool calls within a turn
// (or across close turns) do not refetch the same page.
type urlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]urlCacheEntry
	now     func() time.Time
}

type urlCacheEntry struct {
	at     time.Time
	result Result
}

func newURLCache(ttl time.Duration, max int) *urlCache {
	return &urlCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]urlCacheEntry),
		now:     time.Now,
	}
}

func (c *urlCache) get(url string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[url]
	if !ok {
		return Result{}, false
	}
	if c.now().Sub(entry.at) > c.ttl {
		delete(c.entries, url)
		return Result{}, false
	}
	return entry.result, true
}

// set stores a result and, when over capacity, sweeps expired entries first
// and then evicts the oldest until the cache fits the cap again.
func (c *urlCache) set(url string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[url] = urlCacheEntry{at: now, result: result}
	if len(c.entries) <= c.max {
		return
	}
	for k, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			delete(c.entries, k)
		}
	}
	for len(c.entries) > c.max {
		oldestKey := ""
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.at.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.at
			}
		}
		delete(c.entries, oldestKey)
	}
}
