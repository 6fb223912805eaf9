package sheet

import (
	"sync"
	"time"
)

// idemCache replays a prior result for a repeated (kind, subject, key)
// within the TTL. Bounded; oldest entries are evicted first when full, and
// expired entries are pruned opportunistically on write.
type idemCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*idemEntry
	order   []string
}

type idemEntry struct {
	result   any
	storedAt time.Time
}

func newIdemCache(ttl time.Duration, max int) *idemCache {
	return &idemCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*idemEntry),
	}
}

func idemKey(kind, subject, key string) string {
	return kind + ":" + subject + ":" + key
}

func (c *idemCache) get(kind, subject, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[idemKey(kind, subject, key)]
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		return nil, false
	}
	return e.result, true
}

func (c *idemCache) put(kind, subject, key string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune()
	k := idemKey(kind, subject, key)
	if _, exists := c.entries[k]; !exists {
		for len(c.entries) >= c.max && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, k)
	}
	c.entries[k] = &idemEntry{result: result, storedAt: time.Now()}
}

func (c *idemCache) prune() {
	now := time.Now()
	kept := c.order[:0]
	for _, k := range c.order {
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}
