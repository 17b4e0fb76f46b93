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

// Package pgalloc provides the simulated physical memory and the physical
// frame allocator.
//
// Free frames always read as zero: frames are zeroed when they are returned,
// so allocation never needs to clear them.
package pgalloc

import (
	"fmt"
	"time"

	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/metric"
	"gvisor.dev/vmem/pkg/segment"
	"gvisor.dev/vmem/pkg/sync"
)

// Range is a range of physical addresses.
type Range = segment.Range[uintptr]

// Direction describes how to allocate frames.
type Direction int

const (
	// BottomUp allocates the lowest suitable frames first.
	BottomUp Direction = iota

	// TopDown allocates the highest suitable frames first. Page table
	// nodes are allocated top down.
	TopDown
)

// String implements fmt.Stringer.String.
func (d Direction) String() string {
	switch d {
	case BottomUp:
		return "up"
	case TopDown:
		return "down"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

var (
	allocationsMetric = metric.MustCreateNewUint64Metric("/vmem/pgalloc/allocations", true /* sync */, "Number of frame ranges allocated.", metric.SizeClassField)
	failuresMetric    = metric.MustCreateNewUint64Metric("/vmem/pgalloc/failures", true /* sync */, "Number of frame allocations that found no free frames.", metric.SizeClassField)
	tablesMetric      = metric.MustCreateNewUint64Metric("/vmem/pgalloc/tables", true /* sync */, "Number of page table frames allocated.")
	droppedMetric     = metric.MustCreateNewUint64Metric("/vmem/pgalloc/dropped", true /* sync */, "Number of frame ranges collected without being released.")

	oomLog = log.BasicRateLimitedLogger(time.Second)
)

// Allocator allocates frames of a MemoryFile.
type Allocator struct {
	// mf and total are immutable.
	mf    *MemoryFile
	total uint64

	// mu protects free.
	mu sync.Mutex

	// free contains every unallocated usable range.
	free segment.Set[uintptr]
}

// NewAllocator returns an allocator for the usable ranges of mf, as reported
// by the boot memory map. Ranges are clipped to mf and to page boundaries. If
// usable is empty, all of mf except the first frame is usable; physical
// address zero is never handed out.
func NewAllocator(mf *MemoryFile, usable []Range) (*Allocator, error) {
	if len(usable) == 0 {
		usable = []Range{{Start: hostarch.PageSize, End: uintptr(mf.Size())}}
	}
	a := &Allocator{mf: mf}
	for _, r := range usable {
		if !r.WellFormed() {
			return nil, fmt.Errorf("invalid usable range %v", r)
		}
		start, ok := hostarch.Addr(r.Start).RoundUp()
		if !ok {
			continue
		}
		if start == 0 {
			start = hostarch.PageSize
		}
		end := min(hostarch.Addr(r.End).RoundDown(), hostarch.Addr(mf.Size()))
		if start >= end {
			continue
		}
		clipped := Range{Start: uintptr(start), End: uintptr(end)}
		if a.free.Overlaps(clipped) {
			return nil, fmt.Errorf("usable range %v overlaps another usable range", r)
		}
		a.free.Add(clipped)
		a.total += uint64(clipped.Length())
	}
	if a.total == 0 {
		return nil, fmt.Errorf("no usable physical memory in %v: %w", usable, memory.ErrOutOfMemory)
	}
	return a, nil
}

// Reserve removes r from the usable ranges, as for firmware or device
// memory listed in the boot memory map. r must be entirely free.
func (a *Allocator) Reserve(r Range) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.free.Remove(r) {
		return fmt.Errorf("reserve %v: not entirely free", r)
	}
	a.total -= uint64(r.Length())
	return nil
}

// MemoryFile returns the physical memory the allocator serves.
func (a *Allocator) MemoryFile() *MemoryFile {
	return a.mf
}

// TotalBytes returns the number of usable bytes.
func (a *Allocator) TotalBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// FreeBytes returns the number of unallocated usable bytes.
func (a *Allocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.free.Span())
}

// allocate removes an aligned run of length bytes from the free set.
func (a *Allocator) allocate(length, align uint64, dir Direction) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bounds := Range{Start: 0, End: uintptr(a.mf.Size())}
	var (
		start uintptr
		ok    bool
	)
	switch dir {
	case BottomUp:
		start, ok = a.free.FirstFit(uintptr(length), uintptr(align), bounds)
	case TopDown:
		start, ok = a.free.LastFit(uintptr(length), uintptr(align), bounds)
	default:
		panic(fmt.Sprintf("unknown direction %v", dir))
	}
	if !ok {
		return 0, false
	}
	a.free.Remove(Range{Start: start, End: start + uintptr(length)})
	return start, true
}

// release zeroes r and returns it to the free set. It panics if any part of
// r is already free.
func (a *Allocator) release(r Range) {
	if err := a.mf.Zero(r.Start, uint64(r.Length())); err != nil {
		panic(fmt.Sprintf("failed to zero released frames %v: %v", r, err))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free.Add(r)
}

// AllocateTable returns the physical address of a zeroed base frame for use
// as a page table node.
func (a *Allocator) AllocateTable() (uintptr, error) {
	phys, ok := a.allocate(hostarch.PageSize, hostarch.PageSize, TopDown)
	if !ok {
		oomLog.Warningf("pgalloc: out of memory allocating a page table")
		return 0, fmt.Errorf("page table: %w", memory.ErrOutOfMemory)
	}
	tablesMetric.Increment()
	return phys, nil
}

// FreeTable returns a page table frame obtained from AllocateTable.
func (a *Allocator) FreeTable(phys uintptr) {
	a.release(Range{Start: phys, End: phys + hostarch.PageSize})
}

// AllocateFrames allocates count physically contiguous frames of size S,
// lowest address first.
func AllocateFrames[S memory.Size](a *Allocator, c memory.Capability[S], count uint64) (*AllocatedFrames[S], error) {
	return allocateFrames(a, c, count, BottomUp)
}

func allocateFrames[S memory.Size](a *Allocator, c memory.Capability[S], count uint64, dir Direction) (*AllocatedFrames[S], error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	class := memory.ClassOf[S]()
	if count == 0 || count > (^uint64(0))>>class.Shift() {
		return nil, fmt.Errorf("allocate %d %v frames: %w", count, class, memory.ErrInvalidCount)
	}
	length := count << class.Shift()
	phys, ok := a.allocate(length, class.Alignment(), dir)
	if !ok {
		failuresMetric.Increment(class.String())
		oomLog.Warningf("pgalloc: out of memory allocating %d %v frames (%#x bytes free)", count, class, a.FreeBytes())
		return nil, fmt.Errorf("allocate %d %v frames: %w", count, class, memory.ErrOutOfMemory)
	}
	return newAllocatedFrames(a, c, phys, count), nil
}

// AllocateFramesAt allocates the count frames of size S starting at phys,
// such as frames named by a device. It fails with ErrOutOfMemory if any of
// them is unusable or in use.
func AllocateFramesAt[S memory.Size](a *Allocator, c memory.Capability[S], phys uintptr, count uint64) (*AllocatedFrames[S], error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	class := memory.ClassOf[S]()
	if uint64(phys)&(class.Alignment()-1) != 0 {
		return nil, fmt.Errorf("frames at %#x: %w", phys, memory.ErrAlignment)
	}
	if count == 0 || count > (^uint64(0))>>class.Shift() {
		return nil, fmt.Errorf("allocate %d %v frames: %w", count, class, memory.ErrInvalidCount)
	}
	r := Range{Start: phys, End: phys + uintptr(count<<class.Shift())}
	if r.End < r.Start {
		return nil, fmt.Errorf("frames at %#x: %w", phys, memory.ErrInvalidCount)
	}
	a.mu.Lock()
	ok := a.free.Remove(r)
	a.mu.Unlock()
	if !ok {
		failuresMetric.Increment(class.String())
		return nil, fmt.Errorf("frames %v unavailable: %w", r, memory.ErrOutOfMemory)
	}
	return newAllocatedFrames(a, c, phys, count), nil
}
