package proxy

import (
	"sync"
	"time"
)

// dedupWindow is the horizon over which echo suppression operates.
const dedupWindow = 500 * time.Millisecond

// dedupEntry is a single recorded (hash, timestamp) pair.
type dedupEntry struct {
	hash int64
	at   time.Time
}

// dedupCache is a short-horizon per-broker-id set of recently forwarded
// message hashes, used to suppress echoes on bidirectional brokers.
//
// record and testAndConsume are both constant-time for any reasonably
// small per-broker backlog; all work happens under a single mutex with no
// I/O.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string][]dedupEntry
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[string][]dedupEntry)}
}

// evictLocked drops entries older than the dedup window. Caller holds mu.
func (c *dedupCache) evictLocked(id string, now time.Time) []dedupEntry {
	es := c.entries[id]
	i := 0
	for i < len(es) && now.Sub(es[i].at) >= dedupWindow {
		i++
	}
	if i > 0 {
		es = es[i:]
	}
	c.entries[id] = es
	return es
}

// record evicts expired entries for id, then appends (hash, now).
func (c *dedupCache) record(id string, hash uint64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	es := c.evictLocked(id, now)
	c.entries[id] = append(es, dedupEntry{hash: int64(hash), at: now})
}

// testAndConsume evicts expired entries, then looks for a matching hash.
// If found, it removes exactly one matching entry and returns true (an
// echo); otherwise it returns false. Removing the entry (rather than only
// peeking) lets a legitimate rapid repeat of the same payload pass once the
// single echo has been absorbed.
func (c *dedupCache) testAndConsume(id string, hash uint64, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	es := c.evictLocked(id, now)
	for i, e := range es {
		if e.hash == int64(hash) {
			c.entries[id] = append(es[:i], es[i+1:]...)
			return true
		}
	}
	return false
}
