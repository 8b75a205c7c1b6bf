// Package cache implements the partition's byte-bounded in-memory message
// cache (spec §3.4, component H): a bounded ring of recent messages with
// oldest-first eviction, so a hot poll can be served without a disk read.
//
// Grounded on the teacher's bounded-buffer backpressure shape in
// pkg/appendlog (fail-fast-on-full), adapted here to eviction rather than
// rejection, since a read cache sheds its oldest entries instead of refusing
// new writes.
package cache

import (
	"container/list"
	"sync"

	"github.com/fluxorio/streamline/pkg/message"
)

// Cache holds the most recent messages appended to a partition, bounded by
// total payload+header byte size rather than message count.
type Cache struct {
	mu         sync.RWMutex
	maxBytes   int64
	usedBytes  int64
	order      *list.List // front = oldest, back = newest
	byOffset   map[uint64]*list.Element
	evictions  int64
}

// New creates a Cache bounded to maxBytes. A non-positive maxBytes disables
// the cache (every operation is a no-op / miss).
func New(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		order:    list.New(),
		byOffset: make(map[uint64]*list.Element),
	}
}

// Enabled reports whether the cache accepts entries.
func (c *Cache) Enabled() bool { return c.maxBytes > 0 }

func entrySize(m message.Message) int64 {
	return int64(len(m.Payload)) + 64 // fixed overhead for headers/metadata estimate
}

// Push appends messages to the cache, evicting the oldest entries to respect
// the byte budget (spec §4.2 step (g): "update cache respecting byte budget
// (evict oldest)").
func (c *Cache) Push(messages []message.Message) {
	if !c.Enabled() || len(messages) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range messages {
		size := entrySize(m)
		el := c.order.PushBack(m)
		c.byOffset[m.Offset] = el
		c.usedBytes += size
		for c.usedBytes > c.maxBytes && c.order.Len() > 0 {
			c.evictOldestLocked()
		}
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	m := front.Value.(message.Message)
	c.order.Remove(front)
	delete(c.byOffset, m.Offset)
	c.usedBytes -= entrySize(m)
	c.evictions++
}

// Range returns cached messages whose offset is in [start, end], in
// ascending order, plus a bool reporting whether the cache fully covers the
// requested range (so the caller can skip disk entirely, spec §4.2
// "get_messages_by_offset ... If the cache fully covers the range, returns
// from cache without touching disk").
func (c *Cache) Range(start, end uint64) ([]message.Message, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.order.Len() == 0 {
		return nil, false
	}
	oldest := c.order.Front().Value.(message.Message)
	newest := c.order.Back().Value.(message.Message)
	if start < oldest.Offset || end > newest.Offset {
		return nil, false
	}
	out := make([]message.Message, 0, end-start+1)
	for e := c.order.Front(); e != nil; e = e.Next() {
		m := e.Value.(message.Message)
		if m.Offset < start {
			continue
		}
		if m.Offset > end {
			break
		}
		out = append(out, m)
	}
	return out, true
}

// SetState updates the State field of a cached message in place, so a
// state mutation applied to the underlying segment does not leave a stale
// copy behind in the cache. No-op if offset is not cached.
func (c *Cache) SetState(offset uint64, state message.State) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byOffset[offset]
	if !ok {
		return
	}
	m := el.Value.(message.Message)
	m.State = state
	el.Value = m
}

// Clear drops all cached entries (spec §4.2 purge()).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.byOffset = make(map[uint64]*list.Element)
	c.usedBytes = 0
}

// Stats reports current cache occupancy for diagnostics/metrics.
type Stats struct {
	UsedBytes int64
	Entries   int
	Evictions int64
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{UsedBytes: c.usedBytes, Entries: c.order.Len(), Evictions: c.evictions}
}
