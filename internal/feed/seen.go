package feed

import (
	"slices"
)

// SeenSet records identity keys that have already been merged into a window.
// With a zero limit it grows for the lifetime of the feed. With a positive
// limit the lowest keys are evicted first, since those are the furthest
// behind the chain head.
type SeenSet struct {
	keys  map[uint64]struct{}
	limit int
}

func NewSeenSet(limit int) *SeenSet {
	return &SeenSet{keys: make(map[uint64]struct{}), limit: limit}
}

func (s *SeenSet) Has(key uint64) bool {
	_, ok := s.keys[key]
	return ok
}

func (s *SeenSet) Add(keys ...uint64) {
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	s.evict()
}

func (s *SeenSet) Len() int {
	return len(s.keys)
}

// CountBetween returns how many keys k with lo < k <= hi satisfy keep.
func (s *SeenSet) CountBetween(lo, hi uint64, keep func(uint64) bool) int {
	if hi <= lo {
		return 0
	}
	n := 0
	if hi-lo <= uint64(len(s.keys)) {
		for k := lo + 1; ; k++ {
			if _, ok := s.keys[k]; ok && keep(k) {
				n++
			}
			if k == hi {
				break
			}
		}
		return n
	}
	for k := range s.keys {
		if k > lo && k <= hi && keep(k) {
			n++
		}
	}
	return n
}

func (s *SeenSet) evict() {
	if s.limit <= 0 || len(s.keys) <= s.limit {
		return
	}
	all := make([]uint64, 0, len(s.keys))
	for k := range s.keys {
		all = append(all, k)
	}
	slices.Sort(all)
	for _, k := range all[:len(all)-s.limit] {
		delete(s.keys, k)
	}
}
