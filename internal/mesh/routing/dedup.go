package routing

import (
	"container/list"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// SeenCache is the gossip dedup set: an LRU of message IDs bounded by size,
// where every entry also expires after a TTL. The TTL is authoritative: an
// expired entry counts as unseen even if the LRU still holds it. A bloom
// filter answers "definitely unseen" without touching the LRU.
type SeenCache struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	lruList *list.List

	filter          *bloom.BloomFilter
	filterAdds      uint
	filterCapacity  uint
	filterFalsePosR float64

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

type seenEntry struct {
	id     string
	seenAt time.Time
}

// NewSeenCache creates a dedup cache.
func NewSeenCache(maxSize int, ttl time.Duration, falsePositiveRate float64) *SeenCache {
	capacity := uint(maxSize) * 2
	return &SeenCache{
		maxSize:         maxSize,
		ttl:             ttl,
		now:             time.Now,
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		filter:          bloom.NewWithEstimates(capacity, falsePositiveRate),
		filterCapacity:  capacity,
		filterFalsePosR: falsePositiveRate,
	}
}

// SetClock overrides the time source.
func (c *SeenCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Seen reports whether id was marked within the TTL.
func (c *SeenCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(id)
}

func (c *SeenCache) seenLocked(id string) bool {
	if !c.filter.TestString(id) {
		c.misses++
		return false
	}

	elem, ok := c.entries[id]
	if !ok {
		c.misses++
		return false
	}

	entry := elem.Value.(*seenEntry)
	if c.now().Sub(entry.seenAt) > c.ttl {
		c.lruList.Remove(elem)
		delete(c.entries, id)
		c.expired++
		c.misses++
		return false
	}

	c.hits++
	return true
}

// MarkIfNew records id and reports true when it was not already seen. The
// check and insert are atomic.
func (c *SeenCache) MarkIfNew(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seenLocked(id) {
		return false
	}
	c.markLocked(id)
	return true
}

// Mark records id as seen now.
func (c *SeenCache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

func (c *SeenCache) markLocked(id string) {
	now := c.now()
	if elem, ok := c.entries[id]; ok {
		elem.Value.(*seenEntry).seenAt = now
		c.lruList.MoveToFront(elem)
		return
	}

	elem := c.lruList.PushFront(&seenEntry{id: id, seenAt: now})
	c.entries[id] = elem
	c.filter.AddString(id)
	c.filterAdds++

	if c.lruList.Len() > c.maxSize {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.lruList.Remove(oldest)
			delete(c.entries, oldest.Value.(*seenEntry).id)
			c.evictions++
		}
	}

	if c.filterAdds > c.filterCapacity {
		c.rebuildFilterLocked()
	}
}

// CleanupExpired drops entries past the TTL and returns how many were removed.
func (c *SeenCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.lruList.Back(); elem != nil; {
		entry := elem.Value.(*seenEntry)
		if now.Sub(entry.seenAt) <= c.ttl {
			// list is ordered by recency, nothing older remains
			break
		}
		prev := elem.Prev()
		c.lruList.Remove(elem)
		delete(c.entries, entry.id)
		c.expired++
		removed++
		elem = prev
	}

	if removed > 0 && c.filterAdds > uint(c.lruList.Len())*2 {
		c.rebuildFilterLocked()
	}
	return removed
}

// rebuildFilterLocked recreates the bloom filter from the live entries, since
// bloom filters cannot forget.
func (c *SeenCache) rebuildFilterLocked() {
	c.filter = bloom.NewWithEstimates(c.filterCapacity, c.filterFalsePosR)
	c.filterAdds = 0
	for id := range c.entries {
		c.filter.AddString(id)
		c.filterAdds++
	}
}

// Len returns the number of live entries, including ones not yet cleaned up.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// SeenCacheMetrics holds cache counters.
type SeenCacheMetrics struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
	Size      int
	MaxSize   int
}

func (c *SeenCache) Metrics() SeenCacheMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	return SeenCacheMetrics{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		Size:      c.lruList.Len(),
		MaxSize:   c.maxSize,
	}
}
