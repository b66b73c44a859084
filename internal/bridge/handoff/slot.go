package handoff

import (
	"sync"
	"sync/atomic"
)

// Sequenced is implemented by items that carry a per-source sequence number.
type Sequenced interface {
	SourceKey() string
	SequenceNumber() uint64
}

// Entry is what a LatestSlot publishes: the item and the slot version it was
// published under. Entries are never modified after publication.
type Entry[T any] struct {
	Item    T
	Version uint64
}

// LatestSlot is a capacity-one, most-recent-wins cell. A new item replaces the
// current one only if its sequence is greater than every sequence previously
// published for the same source; otherwise it is discarded.
//
// Readers perform a single atomic load. Writers serialise on a mutex that only
// guards the high-water map and the pointer swap.
type LatestSlot[T Sequenced] struct {
	cur atomic.Pointer[Entry[T]]

	mu        sync.Mutex
	highWater map[string]uint64
	version   uint64

	accepted atomic.Uint64
	stale    atomic.Uint64
}

// NewLatestSlot returns an empty slot.
func NewLatestSlot[T Sequenced]() *LatestSlot[T] {
	return &LatestSlot[T]{highWater: make(map[string]uint64)}
}

// Offer publishes item unless a result with an equal or newer sequence from
// the same source has already been published. It reports whether item was
// published.
func (s *LatestSlot[T]) Offer(item T) bool {
	key, seq := item.SourceKey(), item.SequenceNumber()

	s.mu.Lock()
	if hw, seen := s.highWater[key]; seen && seq <= hw {
		s.mu.Unlock()
		s.stale.Add(1)
		return false
	}
	s.highWater[key] = seq
	s.version++
	s.cur.Store(&Entry[T]{Item: item, Version: s.version})
	s.mu.Unlock()

	s.accepted.Add(1)
	return true
}

// Latest returns the current item without blocking.
func (s *LatestSlot[T]) Latest() (T, bool) {
	e := s.cur.Load()
	if e == nil {
		var zero T
		return zero, false
	}
	return e.Item, true
}

// Load returns the current entry, or nil before the first publication.
func (s *LatestSlot[T]) Load() *Entry[T] {
	return s.cur.Load()
}

// Version returns the number of publications so far. It is zero while the
// slot is empty.
func (s *LatestSlot[T]) Version() uint64 {
	if e := s.cur.Load(); e != nil {
		return e.Version
	}
	return 0
}

// HighWater returns the highest sequence published for source.
func (s *LatestSlot[T]) HighWater(source string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.highWater[source]
	return seq, ok
}

// Forget removes the high-water mark of a retired source so that a
// restarted sensor may publish from a lower sequence again. The currently
// published item is left in place.
func (s *LatestSlot[T]) Forget(source string) {
	s.mu.Lock()
	delete(s.highWater, source)
	s.mu.Unlock()
}

// SlotStats counts slot publications.
type SlotStats struct {
	Accepted uint64 `json:"accepted"`
	Stale    uint64 `json:"stale"`
	Version  uint64 `json:"version"`
}

// Stats returns publication counters.
func (s *LatestSlot[T]) Stats() SlotStats {
	return SlotStats{
		Accepted: s.accepted.Load(),
		Stale:    s.stale.Load(),
		Version:  s.Version(),
	}
}
