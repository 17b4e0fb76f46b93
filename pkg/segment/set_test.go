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

package segment

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	// testSize is the baseline number of ranges inserted into sets under
	// test, and is chosen to be large enough to ensure interesting amounts of
	// tree rebalancing.
	testSize = 4000

	// unit is the length of one test range.
	unit = 0x1000
)

type set = Set[uint64]

type rng = Range[uint64]

func shuffle(xs []int) {
	for i := range xs {
		j := rand.Intn(i + 1)
		xs[i], xs[j] = xs[j], xs[i]
	}
}

func randPermutation(size int) []int {
	p := make([]int, size)
	for i := range p {
		p[i] = i
	}
	shuffle(p)
	return p
}

// checkSet returns an error if s is incorrectly sorted, contains adjacent or
// empty segments, or does not have the expected span.
func checkSet(s *set, expectedSpan uint64) error {
	var (
		prev     rng
		havePrev bool
		span     uint64
	)
	for seg := range s.All() {
		if seg.Length() == 0 {
			return fmt.Errorf("empty segment %v", seg)
		}
		if havePrev && prev.End >= seg.Start {
			return fmt.Errorf("segment %v not strictly after %v", seg, prev)
		}
		span += seg.Length()
		prev, havePrev = seg, true
	}
	if span != expectedSpan || s.Span() != expectedSpan {
		return fmt.Errorf("span: iterated %#x, Span() %#x, want %#x", span, s.Span(), expectedSpan)
	}
	return nil
}

func TestAddRandomCoalesces(t *testing.T) {
	var s set
	order := randPermutation(testSize)
	for i, j := range order {
		s.Add(rng{uint64(j) * unit, uint64(j+1) * unit})
		if err := checkSet(&s, uint64(i+1)*unit); err != nil {
			t.Fatalf("after %d insertions: %v", i+1, err)
		}
	}
	want := []rng{{0, testSize * unit}}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Errorf("Ranges() mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveRandom(t *testing.T) {
	var s set
	s.Add(rng{0, testSize * unit})
	order := randPermutation(testSize)
	for i, j := range order {
		r := rng{uint64(j) * unit, uint64(j+1) * unit}
		if !s.Remove(r) {
			t.Fatalf("Remove(%v) failed on %v", r, &s)
		}
		if s.Remove(r) {
			t.Fatalf("second Remove(%v) succeeded", r)
		}
		if err := checkSet(&s, uint64(testSize-i-1)*unit); err != nil {
			t.Fatalf("after %d removals: %v", i+1, err)
		}
	}
	if !s.IsEmpty() {
		t.Errorf("set not empty: %v", &s)
	}
}

func TestAddOverlapPanics(t *testing.T) {
	var s set
	s.Add(rng{0x1000, 0x3000})
	for _, r := range []rng{
		{0x1000, 0x2000},
		{0x0, 0x1001},
		{0x2fff, 0x4000},
		{0x0, 0x10000},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Add(%v) did not panic", r)
				}
			}()
			s.Add(r)
		}()
	}
	// Adjacent ranges are fine.
	s.Add(rng{0x0, 0x1000})
	s.Add(rng{0x3000, 0x4000})
	if diff := cmp.Diff([]rng{{0, 0x4000}}, s.Ranges()); diff != "" {
		t.Errorf("Ranges() mismatch (-want +got):\n%s", diff)
	}
}

func TestRemovePartial(t *testing.T) {
	var s set
	s.Add(rng{0x0, 0x1000})
	s.Add(rng{0x2000, 0x5000})
	if s.Remove(rng{0x800, 0x2800}) {
		t.Errorf("Remove across a hole succeeded")
	}
	if !s.Remove(rng{0x3000, 0x4000}) {
		t.Errorf("Remove from the middle of a segment failed")
	}
	want := []rng{{0x0, 0x1000}, {0x2000, 0x3000}, {0x4000, 0x5000}}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Errorf("Ranges() mismatch (-want +got):\n%s", diff)
	}
	if !s.IsSupersetOf(rng{0x2000, 0x3000}) || s.IsSupersetOf(rng{0x2000, 0x4000}) {
		t.Errorf("IsSupersetOf wrong on %v", &s)
	}
	if seg, ok := s.Find(0x4abc); !ok || seg != (rng{0x4000, 0x5000}) {
		t.Errorf("Find(0x4abc) = %v, %v", seg, ok)
	}
	if _, ok := s.Find(0x1000); ok {
		t.Errorf("Find(0x1000) found a segment")
	}
}

func TestFirstFit(t *testing.T) {
	var s set
	s.Add(rng{0x1000, 0x3000})
	s.Add(rng{0x5000, 0x400000})
	s.Add(rng{0x600000, 0xa00000})
	all := rng{0, 1 << 40}
	for _, test := range []struct {
		name   string
		length uint64
		align  uint64
		bounds rng
		want   uint64
		ok     bool
	}{
		{"lowest", 0x1000, 0x1000, all, 0x1000, true},
		{"skips small hole", 0x3000, 0x1000, all, 0x5000, true},
		{"aligned", 0x200000, 0x200000, all, 0x200000, true},
		{"aligned skips", 0x400000, 0x200000, all, 0x600000, true},
		{"bounded", 0x1000, 0x1000, rng{0x2000, 0x3000}, 0x2000, true},
		{"bounds exclude", 0x2000, 0x1000, rng{0x2000, 0x3000}, 0, false},
		{"too large", 0x1000000, 0x1000, all, 0, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, ok := s.FirstFit(test.length, test.align, test.bounds)
			if ok != test.ok || got != test.want {
				t.Errorf("FirstFit(%#x, %#x, %v) = %#x, %v; want %#x, %v", test.length, test.align, test.bounds, got, ok, test.want, test.ok)
			}
		})
	}
}

func TestLastFit(t *testing.T) {
	var s set
	s.Add(rng{0x1000, 0x3000})
	s.Add(rng{0x5000, 0x400000})
	s.Add(rng{0x600000, 0x601000})
	all := rng{0, 1 << 40}
	for _, test := range []struct {
		name   string
		length uint64
		align  uint64
		bounds rng
		want   uint64
		ok     bool
	}{
		{"highest", 0x1000, 0x1000, all, 0x600000, true},
		{"skips small hole", 0x2000, 0x1000, all, 0x3fe000, true},
		{"aligned", 0x200000, 0x200000, all, 0x200000, true},
		{"bounded", 0x1000, 0x1000, rng{0, 0x3000}, 0x2000, true},
		{"too large", 0x1000000, 0x1000, all, 0, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, ok := s.LastFit(test.length, test.align, test.bounds)
			if ok != test.ok || got != test.want {
				t.Errorf("LastFit(%#x, %#x, %v) = %#x, %v; want %#x, %v", test.length, test.align, test.bounds, got, ok, test.want, test.ok)
			}
		})
	}
}

func benchmarkAddRemove(b *testing.B, size int) {
	order := randPermutation(size)
	for n := 0; n < b.N; n++ {
		var s set
		for _, j := range order {
			s.Add(rng{uint64(j) * unit, uint64(j+1) * unit})
		}
		for _, j := range order {
			s.Remove(rng{uint64(j) * unit, uint64(j+1) * unit})
		}
	}
}

func BenchmarkAddRemove(b *testing.B) {
	for _, size := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("%d", size), func(b *testing.B) {
			benchmarkAddRemove(b, size)
		})
	}
}
