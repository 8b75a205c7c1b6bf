// Package dedup implements the partition's optional message-ID dedup set
// (spec §3.4/§4.2, component H): a bounded, expiring hash set of recently
// seen message ids used to drop duplicate appends.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/fluxorio/streamline/pkg/wire"
)

type entry struct {
	id      wire.U128
	addedAt time.Time
}

// Set is a hashed set of recently appended message ids, bounded by entry
// count and by age (spec §6.4 message_deduplication.{max_entries, expiry}).
type Set struct {
	mu         sync.Mutex
	maxEntries int
	expiry     time.Duration
	order      *list.List // front = oldest
	index      map[wire.U128]*list.Element
}

// New creates a dedup Set. maxEntries <= 0 means unbounded by count; expiry
// <= 0 means entries never expire by age.
func New(maxEntries int, expiry time.Duration) *Set {
	return &Set{
		maxEntries: maxEntries,
		expiry:     expiry,
		order:      list.New(),
		index:      make(map[wire.U128]*list.Element),
	}
}

// Contains reports whether id has already been seen, evicting expired
// entries first. The zero id is never considered a duplicate (spec §4.2:
// "drop messages whose id is already present ... and whose id is non-zero").
func (s *Set) Contains(id wire.U128, now time.Time) bool {
	if id.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(now)
	_, ok := s.index[id]
	return ok
}

// Add records id as seen at now. No-op for the zero id.
func (s *Set) Add(id wire.U128, now time.Time) {
	if id.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[id]; exists {
		return
	}
	el := s.order.PushBack(entry{id: id, addedAt: now})
	s.index[id] = el
	s.evictOverCapacityLocked()
}

func (s *Set) evictExpiredLocked(now time.Time) {
	if s.expiry <= 0 {
		return
	}
	for {
		front := s.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(entry)
		if now.Sub(e.addedAt) <= s.expiry {
			return
		}
		s.order.Remove(front)
		delete(s.index, e.id)
	}
}

func (s *Set) evictOverCapacityLocked() {
	if s.maxEntries <= 0 {
		return
	}
	for s.order.Len() > s.maxEntries {
		front := s.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(entry)
		s.order.Remove(front)
		delete(s.index, e.id)
	}
}

// Len reports the current number of tracked ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Clear drops all tracked ids (spec §4.2 purge()).
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.index = make(map[wire.U128]*list.Element)
}
