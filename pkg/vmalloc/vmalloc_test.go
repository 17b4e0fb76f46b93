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

package vmalloc

import (
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmem/pkg/cpuid"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/segment"
)

var allSizes = memory.NewSizes(cpuid.Static(cpuid.X86FeaturePSE, cpuid.X86FeaturePDPE1GB))

func mustRequire[S memory.Size](t testing.TB) memory.Capability[S] {
	t.Helper()
	c, err := memory.Require[S](allSizes)
	if err != nil {
		t.Fatalf("Require[%v]: %v", memory.ClassOf[S](), err)
	}
	return c
}

func mustNew(t testing.TB, start, end hostarch.Addr) *Allocator {
	t.Helper()
	a, err := New(hostarch.AddrRange{Start: start, End: end})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewValidation(t *testing.T) {
	for _, test := range []struct {
		name   string
		region hostarch.AddrRange
		want   error
	}{
		{"empty", hostarch.AddrRange{Start: 0x1000, End: 0x1000}, memory.ErrInvalidCount},
		{"unaligned", hostarch.AddrRange{Start: 0x1000, End: 0x1800}, memory.ErrAlignment},
		{"non-canonical", hostarch.AddrRange{Start: 0x0000800000000000, End: 0x0000800000001000}, memory.ErrNonCanonical},
		{"spans hole", hostarch.AddrRange{Start: 0x00007ffffffff000, End: 0xffff800000001000}, memory.ErrNonCanonical},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New(test.region); !errors.Is(err, test.want) {
				t.Errorf("New(%v) = %v, want %v", test.region, err, test.want)
			}
		})
	}
}

func TestAllocateLowestFirst(t *testing.T) {
	a := mustNew(t, 0x10000, 0x20000)
	base := mustRequire[memory.Base](t)
	var got []hostarch.Addr
	for i := 0; i < 3; i++ {
		p, err := Allocate(a, base, 2)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		got = append(got, p.StartAddress())
	}
	want := []hostarch.Addr{0x10000, 0x12000, 0x14000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("allocation addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocateHugeAligned(t *testing.T) {
	a := mustNew(t, 0x1000, 0x1000000)
	p, err := Allocate(a, mustRequire[memory.Huge2M](t), 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := p.StartAddress(); got != 0x200000 {
		t.Errorf("2M page at %v, want 0x200000", got)
	}
	if got := p.Bytes(); got != hostarch.HugePageSize {
		t.Errorf("Bytes() = %#x", got)
	}

	// The unaligned head stays free for base pages.
	b, err := Allocate(a, mustRequire[memory.Base](t), 1)
	if err != nil {
		t.Fatalf("Allocate base: %v", err)
	}
	if got := b.StartAddress(); got != 0x1000 {
		t.Errorf("base page at %v, want 0x1000", got)
	}
}

func TestAllocateNoFallback(t *testing.T) {
	// Plenty of space, but no 1GiB aligned run.
	a := mustNew(t, 0x40001000, 0x80001000)
	before := a.FreeBytes()
	if _, err := Allocate(a, mustRequire[memory.Huge1G](t), 1); !errors.Is(err, memory.ErrOutOfVirtualSpace) {
		t.Errorf("Allocate 1G = %v, want ErrOutOfVirtualSpace", err)
	}
	if got := a.FreeBytes(); got != before {
		t.Errorf("FreeBytes changed from %#x to %#x after a failed allocation", before, got)
	}
}

func TestAllocateInvalid(t *testing.T) {
	a := mustNew(t, 0x10000, 0x20000)
	if _, err := Allocate(a, mustRequire[memory.Base](t), 0); !errors.Is(err, memory.ErrInvalidCount) {
		t.Errorf("Allocate(0) = %v, want ErrInvalidCount", err)
	}
	if _, err := Allocate(a, memory.Capability[memory.Huge2M]{}, 1); !errors.Is(err, memory.ErrUnsupportedSize) {
		t.Errorf("Allocate with zero capability = %v, want ErrUnsupportedSize", err)
	}
	if _, err := Allocate(a, mustRequire[memory.Base](t), 17); !errors.Is(err, memory.ErrOutOfVirtualSpace) {
		t.Errorf("Allocate(17) = %v, want ErrOutOfVirtualSpace", err)
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	a := mustNew(t, 0x10000, 0x40000)
	base := mustRequire[memory.Base](t)
	before := a.FreeBytes()

	p1, _ := Allocate(a, base, 3)
	p2, _ := Allocate(a, base, 5)
	p3, _ := Allocate(a, base, 1)
	p2.Release()
	p1.Release()
	p3.Release()
	p3.Release() // Idempotent.

	if got := a.FreeBytes(); got != before {
		t.Errorf("FreeBytes() = %#x, want %#x", got, before)
	}
	want := []hostarch.AddrRange{{Start: 0x10000, End: 0x40000}}
	if diff := cmp.Diff(want, a.FreeRanges()); diff != "" {
		t.Errorf("free ranges not coalesced (-want +got):\n%s", diff)
	}

	again, err := Allocate(a, base, 3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if again.Range() != p1.Range() {
		t.Errorf("reallocation got %v, want %v", again.Range(), p1.Range())
	}
}

func TestAllocateAt(t *testing.T) {
	a := mustNew(t, 0x10000, 0x20000)
	base := mustRequire[memory.Base](t)
	p, err := AllocateAt(a, base, 0x14000, 2)
	if err != nil {
		t.Fatalf("AllocateAt: %v", err)
	}
	if _, err := AllocateAt(a, base, 0x15000, 1); !errors.Is(err, memory.ErrOutOfVirtualSpace) {
		t.Errorf("AllocateAt(in use) = %v, want ErrOutOfVirtualSpace", err)
	}
	if _, err := AllocateAt(a, base, 0x1f000, 2); !errors.Is(err, memory.ErrOutOfVirtualSpace) {
		t.Errorf("AllocateAt(past end) = %v, want ErrOutOfVirtualSpace", err)
	}
	if _, err := AllocateAt(a, base, 0x14800, 1); !errors.Is(err, memory.ErrAlignment) {
		t.Errorf("AllocateAt(unaligned) = %v, want ErrAlignment", err)
	}
	if a.IsFree(p.Range().AddrRange()) {
		t.Errorf("allocated range reported free")
	}
	p.Release()
	if !a.IsFree(hostarch.AddrRange{Start: 0x14000, End: 0x16000}) {
		t.Errorf("released range not free")
	}
}

func TestTakeAndMerge(t *testing.T) {
	a := mustNew(t, 0x10000, 0x20000)
	base := mustRequire[memory.Base](t)
	p1, _ := Allocate(a, base, 2)
	p2, _ := Allocate(a, base, 2)
	p3, _ := Allocate(a, base, 2)

	if err := p1.Merge(p3); !errors.Is(err, memory.ErrIncompatible) {
		t.Errorf("Merge(non-contiguous) = %v, want ErrIncompatible", err)
	}
	if !p3.Live() {
		t.Errorf("failed merge consumed its argument")
	}
	if err := p2.Merge(p1); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if p1.Live() || p2.Count() != 4 || p2.StartAddress() != 0x10000 {
		t.Errorf("after merge: p1 live=%v, p2=%v", p1.Live(), p2)
	}
	p1.Release() // No-op, p2 owns the pages now.
	if a.IsFree(hostarch.AddrRange{Start: 0x10000, End: 0x11000}) {
		t.Errorf("release of merged token freed pages")
	}

	taken, err := p2.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if _, err := p2.Take(); !errors.Is(err, memory.ErrTokenConsumed) {
		t.Errorf("second Take = %v, want ErrTokenConsumed", err)
	}
	taken.Release()
	p3.Release()
	if got := a.FreeBytes(); got != 0x10000 {
		t.Errorf("FreeBytes() = %#x, want 0x10000", got)
	}
}

func TestConcurrentExclusive(t *testing.T) {
	a := mustNew(t, 0x40000000, 0x140000000)
	base := mustRequire[memory.Base](t)
	huge := mustRequire[memory.Huge2M](t)

	var (
		mu   sync.Mutex
		live segment.Set[hostarch.Addr]
	)
	claim := func(r hostarch.AddrRange) {
		mu.Lock()
		defer mu.Unlock()
		// Add panics on overlap.
		live.Add(segment.Range[hostarch.Addr]{Start: r.Start, End: r.End})
	}
	unclaim := func(r hostarch.AddrRange) {
		mu.Lock()
		defer mu.Unlock()
		if !live.Remove(segment.Range[hostarch.Addr]{Start: r.Start, End: r.End}) {
			t.Errorf("range %v not live", r)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var held []func()
			for i := 0; i < 200; i++ {
				if len(held) > 0 && rng.Intn(3) == 0 {
					j := rng.Intn(len(held))
					held[j]()
					held = append(held[:j], held[j+1:]...)
					continue
				}
				if rng.Intn(4) == 0 {
					p, err := Allocate(a, huge, uint64(1+rng.Intn(3)))
					if err != nil {
						t.Errorf("Allocate 2M: %v", err)
						return
					}
					claim(p.Range().AddrRange())
					held = append(held, func() { unclaim(p.Range().AddrRange()); p.Release() })
				} else {
					p, err := Allocate(a, base, uint64(1+rng.Intn(16)))
					if err != nil {
						t.Errorf("Allocate 4K: %v", err)
						return
					}
					claim(p.Range().AddrRange())
					held = append(held, func() { unclaim(p.Range().AddrRange()); p.Release() })
				}
			}
			for _, release := range held {
				release()
			}
		}(int64(w))
	}
	wg.Wait()

	if got, want := a.FreeBytes(), a.Region().Length(); got != want {
		t.Errorf("FreeBytes() = %#x after all releases, want %#x", got, want)
	}
}

// collectUntil runs the garbage collector until cond holds or a deadline
// passes.
func collectUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached after collecting for 10s")
		}
		runtime.GC()
		time.Sleep(time.Millisecond)
	}
}

func TestDroppedTokenReclaimed(t *testing.T) {
	a := mustNew(t, 0x100000, 0x200000)
	free := a.FreeBytes()
	func() {
		if _, err := Allocate(a, memory.BaseCapability(), 4); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
	}()
	if got := a.FreeBytes(); got != free-4*hostarch.PageSize {
		t.Fatalf("FreeBytes() = %#x, want %#x", got, free-4*hostarch.PageSize)
	}
	collectUntil(t, func() bool { return a.FreeBytes() == free })

	// A released token is not reclaimed a second time.
	p, err := Allocate(a, memory.BaseCapability(), 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p.Release()
	runtime.GC()
	if got := a.FreeBytes(); got != free {
		t.Errorf("FreeBytes() = %#x after release, want %#x", got, free)
	}
}

func TestDroppedMappedTokenLeaks(t *testing.T) {
	a := mustNew(t, 0x100000, 0x200000)
	free := a.FreeBytes()
	dropped := droppedMetric.Value()
	func() {
		p, err := Allocate(a, memory.BaseCapability(), 4)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		t1, err := p.Take()
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		t1.SetMapped(true)
	}()
	collectUntil(t, func() bool { return droppedMetric.Value() > dropped })
	if got := a.FreeBytes(); got != free-4*hostarch.PageSize {
		t.Errorf("FreeBytes() = %#x, want %#x: mapped pages were reclaimed", got, free-4*hostarch.PageSize)
	}
}
