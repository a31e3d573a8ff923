package prefill

import (
	"sync"
	"time"
)

// cacheKey identifies a prefill request for caching.
type cacheKey struct {
	source   string
	target   string
	recordID string
	tenantID string
}

func cacheKeyOf(pc Context) cacheKey {
	id := pc.SourceRecordID
	if id == "" {
		id = NewRecord
	}
	return cacheKey{source: pc.SourceFormID, target: pc.TargetFormID, recordID: id, tenantID: pc.TenantID}
}

type cacheEntry struct {
	result  *Result
	expires time.Time
}

// cache holds computed results until they expire. Entries are cloned in
// and out so callers can modify what they get back.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, entries: make(map[cacheKey]cacheEntry)}
}

func (c *cache) get(key cacheKey, now time.Time) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result.clone(), true
}

func (c *cache) put(key cacheKey, r *Result, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: r.clone(), expires: now.Add(c.ttl)}
}

func (c *cache) clear(formID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if formID == "" {
		clear(c.entries)
		return
	}
	for key := range c.entries {
		if key.source == formID || key.target == formID {
			delete(c.entries, key)
		}
	}
}

func (c *cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
