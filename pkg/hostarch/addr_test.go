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

package hostarch

import "testing"

func TestCanonical(t *testing.T) {
	for _, test := range []struct {
		addr      Addr
		canonical bool
		want      Addr
	}{
		{0, true, 0},
		{LowerTop, true, LowerTop},
		{LowerTop + 1, false, UpperBottom},
		{UpperBottom, true, UpperBottom},
		{^Addr(0), true, ^Addr(0)},
		{0x0001000000000000, false, 0},
	} {
		if got := test.addr.IsCanonical(); got != test.canonical {
			t.Errorf("%v.IsCanonical() = %v, want %v", test.addr, got, test.canonical)
		}
		if got := test.addr.Canonical(); got != test.want {
			t.Errorf("%v.Canonical() = %v, want %v", test.addr, got, test.want)
		}
	}
}

func TestTableIndex(t *testing.T) {
	// 1 PGD entry, 2 PUD entries, 3 PMD entries, 4 PTE entries.
	addr := Addr(1<<39 + 2<<30 + 3<<21 + 4<<12 + 5)
	for level, want := range map[int]int{4: 1, 3: 2, 2: 3, 1: 4} {
		if got := addr.TableIndex(level); got != want {
			t.Errorf("TableIndex(%d) = %d, want %d", level, got, want)
		}
	}
	if got := addr.PageOffset(); got != 5 {
		t.Errorf("PageOffset() = %d, want 5", got)
	}
}

func TestLevelSize(t *testing.T) {
	for level, want := range map[int]uint64{
		1: PageSize,
		2: HugePageSize,
		3: GiantPageSize,
		4: 1 << 39,
	} {
		if got := LevelSize(level); got != want {
			t.Errorf("LevelSize(%d) = %#x, want %#x", level, got, want)
		}
	}
}

func TestRoundUp(t *testing.T) {
	if got, ok := Addr(1).RoundUp(); !ok || got != PageSize {
		t.Errorf("RoundUp(1) = %v, %v; want %#x, true", got, ok, PageSize)
	}
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp(max) did not report overflow")
	}
	if got, ok := Addr(HugePageSize + 1).HugeRoundUp(); !ok || got != 2*HugePageSize {
		t.Errorf("HugeRoundUp = %v, %v; want %#x, true", got, ok, 2*HugePageSize)
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{0x1000, 0x3000}
	if !r.Overlaps(AddrRange{0x2000, 0x4000}) {
		t.Errorf("%v should overlap [0x2000, 0x4000)", r)
	}
	if r.Overlaps(AddrRange{0x3000, 0x4000}) {
		t.Errorf("%v should not overlap [0x3000, 0x4000)", r)
	}
	if got := r.Intersect(AddrRange{0x2000, 0x4000}); got != (AddrRange{0x2000, 0x3000}) {
		t.Errorf("Intersect = %v", got)
	}
	if got := r.Intersect(AddrRange{0x5000, 0x6000}).Length(); got != 0 {
		t.Errorf("disjoint Intersect length = %d, want 0", got)
	}
}
