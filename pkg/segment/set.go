// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package segment provides an ordered set of disjoint, non-adjacent ranges.
//
// The set is the free list of the virtual and physical allocators: a range is
// present iff it is free. Adjacent ranges are always coalesced, so any run of
// contiguous free keys is a single segment, and first-fit searches only need
// to look at one segment at a time.
package segment

import (
	"fmt"
	"iter"

	"github.com/google/btree"
	"gvisor.dev/vmem/pkg/bits"
)

// degree is the btree degree.
const degree = 8

// Set is a set of disjoint, non-adjacent ranges ordered by start.
//
// The zero value is an empty set. Set is not safe for concurrent use.
type Set[K Key] struct {
	tree *btree.BTreeG[Range[K]]
	span K
}

func lessByStart[K Key](a, b Range[K]) bool {
	return a.Start < b.Start
}

func (s *Set[K]) init() {
	if s.tree == nil {
		s.tree = btree.NewG(degree, lessByStart[K])
	}
}

// IsEmpty returns true if the set contains no ranges.
func (s *Set[K]) IsEmpty() bool {
	return s.tree == nil || s.tree.Len() == 0
}

// Len returns the number of segments in the set.
func (s *Set[K]) Len() int {
	if s.tree == nil {
		return 0
	}
	return s.tree.Len()
}

// Span returns the total length of all ranges in the set.
func (s *Set[K]) Span() K {
	return s.span
}

// floor returns the segment with the largest start <= k.
func (s *Set[K]) floor(k K) (Range[K], bool) {
	var (
		seg Range[K]
		ok  bool
	)
	s.tree.DescendLessOrEqual(Range[K]{Start: k}, func(r Range[K]) bool {
		seg, ok = r, true
		return false
	})
	return seg, ok
}

// Find returns the segment containing k.
func (s *Set[K]) Find(k K) (Range[K], bool) {
	if s.tree == nil {
		return Range[K]{}, false
	}
	seg, ok := s.floor(k)
	if !ok || !seg.Contains(k) {
		return Range[K]{}, false
	}
	return seg, true
}

// Overlaps returns true if any key in r is in the set.
func (s *Set[K]) Overlaps(r Range[K]) bool {
	if s.tree == nil || r.Length() == 0 {
		return false
	}
	// Only the last segment starting before r.End can reach into r.
	seg, ok := s.floor(r.End - 1)
	return ok && seg.End > r.Start
}

// IsSupersetOf returns true if every key in r is in the set.
func (s *Set[K]) IsSupersetOf(r Range[K]) bool {
	if r.Length() == 0 {
		return true
	}
	seg, ok := s.Find(r.Start)
	return ok && seg.IsSupersetOf(r)
}

// Add inserts r, coalescing it with adjacent segments. It panics if r
// overlaps a segment already in the set; for a free list that is a double
// free.
func (s *Set[K]) Add(r Range[K]) {
	if !r.WellFormed() {
		panic(fmt.Sprintf("invalid range %v", r))
	}
	if r.Length() == 0 {
		return
	}
	s.init()
	if s.Overlaps(r) {
		seg, _ := s.floor(r.End - 1)
		panic(fmt.Sprintf("segment.Set.Add(%v): overlaps existing segment %v", r, seg))
	}
	merged := r
	if prev, ok := s.floor(r.Start); ok && prev.End == r.Start {
		s.tree.Delete(prev)
		merged.Start = prev.Start
	}
	if next, ok := s.tree.Get(Range[K]{Start: r.End}); ok {
		s.tree.Delete(next)
		merged.End = next.End
	}
	s.tree.ReplaceOrInsert(merged)
	s.span += r.Length()
}

// Remove deletes r from the set, splitting the segment containing it. It
// returns false, without modifying the set, if r is not entirely in one
// segment.
func (s *Set[K]) Remove(r Range[K]) bool {
	if r.Length() == 0 {
		return true
	}
	seg, ok := s.Find(r.Start)
	if !ok || !seg.IsSupersetOf(r) {
		return false
	}
	s.tree.Delete(seg)
	if seg.Start < r.Start {
		s.tree.ReplaceOrInsert(Range[K]{Start: seg.Start, End: r.Start})
	}
	if r.End < seg.End {
		s.tree.ReplaceOrInsert(Range[K]{Start: r.End, End: seg.End})
	}
	s.span -= r.Length()
	return true
}

// FirstFit returns the lowest key k, aligned to align (a power of two), such
// that [k, k+length) is in the set and within bounds.
func (s *Set[K]) FirstFit(length, align K, bounds Range[K]) (K, bool) {
	if s.tree == nil || length == 0 {
		return 0, false
	}
	pivot := Range[K]{Start: bounds.Start}
	if seg, ok := s.floor(bounds.Start); ok {
		pivot = seg
	}
	var (
		found K
		ok    bool
	)
	s.tree.AscendGreaterOrEqual(pivot, func(seg Range[K]) bool {
		if seg.Start >= bounds.End {
			return false
		}
		avail := seg.Intersect(bounds)
		if avail.Length() < length {
			return true
		}
		start, aligned := bits.AlignUp(avail.Start, align)
		if !aligned {
			// Alignment wrapped past the top of the key space.
			return false
		}
		if start <= avail.End && avail.End-start >= length {
			found, ok = start, true
			return false
		}
		return true
	})
	return found, ok
}

// LastFit returns the highest key k, aligned to align (a power of two), such
// that [k, k+length) is in the set and within bounds.
func (s *Set[K]) LastFit(length, align K, bounds Range[K]) (K, bool) {
	if s.tree == nil || length == 0 || bounds.Length() < length {
		return 0, false
	}
	var (
		found K
		ok    bool
	)
	s.tree.DescendLessOrEqual(Range[K]{Start: bounds.End - 1}, func(seg Range[K]) bool {
		if seg.End <= bounds.Start {
			return false
		}
		avail := seg.Intersect(bounds)
		if avail.Length() < length {
			return true
		}
		start := bits.AlignDown(avail.End-length, align)
		if start >= avail.Start && start <= avail.End-length {
			found, ok = start, true
			return false
		}
		return true
	})
	return found, ok
}

// All iterates over the segments in ascending order.
func (s *Set[K]) All() iter.Seq[Range[K]] {
	return func(yield func(Range[K]) bool) {
		if s.tree == nil {
			return
		}
		s.tree.Ascend(func(r Range[K]) bool {
			return yield(r)
		})
	}
}

// Ranges returns a copy of the segments in ascending order.
func (s *Set[K]) Ranges() []Range[K] {
	var rs []Range[K]
	for r := range s.All() {
		rs = append(rs, r)
	}
	return rs
}

// String implements fmt.Stringer.String.
func (s *Set[K]) String() string {
	return fmt.Sprint(s.Ranges())
}
