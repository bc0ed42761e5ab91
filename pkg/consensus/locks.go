package consensus

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"circuitmesh/pkg/types"
)

// stripedLock serializes work per circuit id. Ids hashing to the same
// stripe share a mutex; distinct stripes run in parallel.
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = 256
	}
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe for id and returns its unlock func.
func (l *stripedLock) lock(id types.CircuitID) func() {
	mu := &l.stripes[xxhash.Sum64String(string(id))%uint64(len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}

type decision struct {
	state  types.ProposalState
	reason types.RejectReason
	at     time.Time
}

// decidedCache remembers recently finished proposals so late votes can be
// acknowledged as no-ops. Entries expire after ttl; the cache never holds
// more than max entries.
type decidedCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[types.ProposalID]decision
}

func newDecidedCache(ttl time.Duration, max int) *decidedCache {
	return &decidedCache{ttl: ttl, max: max, entries: make(map[types.ProposalID]decision)}
}

func (c *decidedCache) add(id types.ProposalID, d decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok && len(c.entries) >= c.max {
		c.evictOldest()
	}
	c.entries[id] = d
}

func (c *decidedCache) get(id types.ProposalID, now time.Time) (decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[id]
	if !ok {
		return decision{}, false
	}
	if now.Sub(d.at) > c.ttl {
		delete(c.entries, id)
		return decision{}, false
	}
	return d, true
}

func (c *decidedCache) forget(id types.ProposalID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *decidedCache) prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, d := range c.entries {
		if now.Sub(d.at) > c.ttl {
			delete(c.entries, id)
		}
	}
}

func (c *decidedCache) evictOldest() {
	var oldest types.ProposalID
	var oldestAt time.Time
	first := true
	for id, d := range c.entries {
		if first || d.at.Before(oldestAt) {
			oldest, oldestAt, first = id, d.at, false
		}
	}
	if !first {
		delete(c.entries, oldest)
	}
}
