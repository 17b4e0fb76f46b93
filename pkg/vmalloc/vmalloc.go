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

// Package vmalloc allocates ranges of virtual pages.
//
// An Allocator manages one region of the virtual address space. Allocations
// are first fit: the lowest-addressed free run that is aligned to the page
// size and long enough wins. The result is an AllocatedPages token that
// exclusively owns the range until it is released or absorbed by a mapping.
package vmalloc

import (
	"fmt"

	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/metric"
	"gvisor.dev/vmem/pkg/segment"
	"gvisor.dev/vmem/pkg/sync"
)

var (
	allocationsMetric = metric.MustCreateNewUint64Metric("/vmem/vmalloc/allocations", true /* sync */, "Number of virtual page ranges allocated.", metric.SizeClassField)
	failuresMetric    = metric.MustCreateNewUint64Metric("/vmem/vmalloc/failures", true /* sync */, "Number of virtual page allocations that found no free range.", metric.SizeClassField)
	droppedMetric     = metric.MustCreateNewUint64Metric("/vmem/vmalloc/dropped", true /* sync */, "Number of virtual page ranges collected without being released.")
)

// Allocator hands out non-overlapping ranges of one virtual region.
type Allocator struct {
	// region is immutable.
	region hostarch.AddrRange

	// mu protects free. It is held only while searching and updating the
	// free set.
	mu sync.Mutex

	// free contains every unallocated range of region.
	free segment.Set[hostarch.Addr]
}

// New returns an allocator whose whole region is free. The region must be
// page aligned, non-empty and lie within one canonical half of the address
// space.
func New(region hostarch.AddrRange) (*Allocator, error) {
	if !region.WellFormed() || region.Length() == 0 {
		return nil, fmt.Errorf("empty region %v: %w", region, memory.ErrInvalidCount)
	}
	if !region.IsPageAligned() {
		return nil, fmt.Errorf("region %v: %w", region, memory.ErrAlignment)
	}
	last := region.End - 1
	if !region.Start.IsCanonical() || !last.IsCanonical() || (region.Start <= hostarch.LowerTop) != (last <= hostarch.LowerTop) {
		return nil, fmt.Errorf("region %v: %w", region, memory.ErrNonCanonical)
	}
	a := &Allocator{region: region}
	a.free.Add(segment.Range[hostarch.Addr]{Start: region.Start, End: region.End})
	return a, nil
}

// Region returns the managed region.
func (a *Allocator) Region() hostarch.AddrRange {
	return a.region
}

// FreeBytes returns the number of unallocated bytes.
func (a *Allocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.free.Span())
}

// FreeRanges returns a snapshot of the free ranges, in address order.
func (a *Allocator) FreeRanges() []hostarch.AddrRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	var rs []hostarch.AddrRange
	for r := range a.free.All() {
		rs = append(rs, hostarch.AddrRange{Start: r.Start, End: r.End})
	}
	return rs
}

// IsFree returns true if no part of r is allocated.
func (a *Allocator) IsFree(r hostarch.AddrRange) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.IsSupersetOf(segment.Range[hostarch.Addr]{Start: r.Start, End: r.End})
}

// release returns r to the free set. It panics if any part of r is already
// free.
func (a *Allocator) release(r hostarch.AddrRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free.Add(segment.Range[hostarch.Addr]{Start: r.Start, End: r.End})
}

func lengthOf[S memory.Size](n uint64) (uint64, error) {
	if n == 0 {
		return 0, memory.ErrInvalidCount
	}
	shift := memory.ClassOf[S]().Shift()
	if n > (^uint64(0))>>shift {
		return 0, memory.ErrInvalidCount
	}
	return n << shift, nil
}

// Allocate reserves the lowest-addressed run of n free pages of size S. It
// never falls back to a different page size: if no S-aligned run exists the
// call fails with ErrOutOfVirtualSpace even when smaller pages would fit.
func Allocate[S memory.Size](a *Allocator, c memory.Capability[S], n uint64) (*AllocatedPages[S], error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	class := memory.ClassOf[S]()
	length, err := lengthOf[S](n)
	if err != nil {
		return nil, fmt.Errorf("allocate %d %v pages: %w", n, class, err)
	}

	a.mu.Lock()
	start, ok := a.free.FirstFit(hostarch.Addr(length), hostarch.Addr(class.Alignment()), segment.Range[hostarch.Addr]{Start: a.region.Start, End: a.region.End})
	if ok {
		a.free.Remove(segment.Range[hostarch.Addr]{Start: start, End: start + hostarch.Addr(length)})
	}
	a.mu.Unlock()

	if !ok {
		failuresMetric.Increment(class.String())
		return nil, fmt.Errorf("allocate %d %v pages in %v: %w", n, class, a.region, memory.ErrOutOfVirtualSpace)
	}
	return newAllocatedPages(a, c, start, n), nil
}

// AllocateAt reserves the n pages of size S starting at addr. It fails with
// ErrOutOfVirtualSpace if any of them is outside the region or in use.
func AllocateAt[S memory.Size](a *Allocator, c memory.Capability[S], addr hostarch.Addr, n uint64) (*AllocatedPages[S], error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	class := memory.ClassOf[S]()
	if !addr.IsAligned(class.Alignment()) {
		return nil, fmt.Errorf("allocate %v pages at %v: %w", class, addr, memory.ErrAlignment)
	}
	length, err := lengthOf[S](n)
	if err != nil {
		return nil, fmt.Errorf("allocate %d %v pages: %w", n, class, err)
	}
	r, ok := addr.ToRange(length)
	if !ok || !a.region.IsSupersetOf(r) {
		return nil, fmt.Errorf("range at %v of %#x bytes outside %v: %w", addr, length, a.region, memory.ErrOutOfVirtualSpace)
	}

	a.mu.Lock()
	ok = a.free.Remove(segment.Range[hostarch.Addr]{Start: r.Start, End: r.End})
	a.mu.Unlock()

	if !ok {
		failuresMetric.Increment(class.String())
		return nil, fmt.Errorf("range %v is in use: %w", r, memory.ErrOutOfVirtualSpace)
	}
	return newAllocatedPages(a, c, addr, n), nil
}
