// Copyright 2024 The fuse-adapter Authors. All Rights Reserved.
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

// Package rangeset maintains a set of non-overlapping half-open byte
// intervals. The write-buffer cache uses it to track dirty ranges.
package rangeset

import (
	"fmt"
	"sort"
)

// Range is the half-open interval [Start, End).
type Range struct {
	Start int64
	End   int64
}

func (r Range) Len() int64 { return r.End - r.Start }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// Set is a collection of non-overlapping, non-adjacent ranges kept in
// ascending order. The zero value is an empty set. Not safe for
// concurrent use; the caller provides synchronization.
//
// INVARIANT: ranges are sorted by Start
// INVARIANT: for consecutive ranges a, b: a.End < b.Start
// INVARIANT: every range has Start < End
type Set struct {
	ranges []Range
}

// Add inserts r, coalescing with any overlapping or adjacent ranges.
// Empty or inverted ranges are ignored. Cost is O(existing ranges), and
// because adjacent ranges merge, sequential writes keep the set at one
// element.
func (s *Set) Add(r Range) {
	if r.Start >= r.End {
		return
	}

	// Find the insertion window: all ranges that overlap or touch r.
	lo := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End >= r.Start
	})
	hi := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Start > r.End
	})

	if lo < hi {
		if s.ranges[lo].Start < r.Start {
			r.Start = s.ranges[lo].Start
		}
		if s.ranges[hi-1].End > r.End {
			r.End = s.ranges[hi-1].End
		}
	}

	s.ranges = append(s.ranges[:lo], append([]Range{r}, s.ranges[hi:]...)...)
}

// AddSet inserts every range of other.
func (s *Set) AddSet(other *Set) {
	for _, r := range other.ranges {
		s.Add(r)
	}
}

// TruncateTo clips the set to [0, size), for use when the tracked file
// shrinks.
func (s *Set) TruncateTo(size int64) {
	out := s.ranges[:0]
	for _, r := range s.ranges {
		if r.Start >= size {
			break
		}
		if r.End > size {
			r.End = size
		}
		out = append(out, r)
	}
	s.ranges = out
}

// Empty reports whether the set contains no bytes.
func (s *Set) Empty() bool { return len(s.ranges) == 0 }

// Len returns the number of disjoint ranges.
func (s *Set) Len() int { return len(s.ranges) }

// Bytes returns the total number of bytes covered.
func (s *Set) Bytes() (n int64) {
	for _, r := range s.ranges {
		n += r.Len()
	}
	return
}

// Ranges returns the ranges in ascending order. The slice is shared;
// callers must not modify it.
func (s *Set) Ranges() []Range { return s.ranges }

// Contains reports whether [start, end) is fully covered by one range.
func (s *Set) Contains(start, end int64) bool {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End > start
	})
	return i < len(s.ranges) && s.ranges[i].Start <= start && end <= s.ranges[i].End
}

// Take removes and returns the entire contents of the set, leaving it
// empty. Used to snapshot the dirty set when a flush begins.
func (s *Set) Take() *Set {
	taken := &Set{ranges: s.ranges}
	s.ranges = nil
	return taken
}

// CheckInvariants panics if the set's ordering invariants do not hold.
func (s *Set) CheckInvariants() {
	for i, r := range s.ranges {
		if r.Start >= r.End {
			panic(fmt.Sprintf("degenerate range %v at %d", r, i))
		}
		if i > 0 && s.ranges[i-1].End >= r.Start {
			panic(fmt.Sprintf("overlapping ranges %v, %v", s.ranges[i-1], r))
		}
	}
}
