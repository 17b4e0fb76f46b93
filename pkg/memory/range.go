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

package memory

import (
	"fmt"

	"gvisor.dev/vmem/pkg/hostarch"
)

// PageRange is a run of count contiguous pages of size S.
type PageRange[S Size] struct {
	start Page[S]
	count uint64
}

// NewPageRange returns the range of count pages starting at start.
func NewPageRange[S Size](start Page[S], count uint64) PageRange[S] {
	return PageRange[S]{start: start, count: count}
}

// Start returns the first page.
func (r PageRange[S]) Start() Page[S] {
	return r.start
}

// End returns the page just past the range.
func (r PageRange[S]) End() Page[S] {
	return r.start.Add(r.count)
}

// Count returns the number of pages.
func (r PageRange[S]) Count() uint64 {
	return r.count
}

// Empty returns true if the range has no pages.
func (r PageRange[S]) Empty() bool {
	return r.count == 0
}

// Bytes returns the length of the range in bytes.
func (r PageRange[S]) Bytes() uint64 {
	return r.count << ClassOf[S]().Shift()
}

// StartAddress returns the address of the first byte.
func (r PageRange[S]) StartAddress() hostarch.Addr {
	return r.start.Start()
}

// AddrRange returns the range as [start, end). The end of a range reaching
// the top of the address space is zero.
func (r PageRange[S]) AddrRange() hostarch.AddrRange {
	start := r.start.Start()
	return hostarch.AddrRange{Start: start, End: start + hostarch.Addr(r.Bytes())}
}

// At returns the i-th page. It panics if i is out of range.
func (r PageRange[S]) At(i uint64) Page[S] {
	if i >= r.count {
		panic(fmt.Sprintf("page %d out of range %v", i, r))
	}
	return r.start.Add(i)
}

// Contains returns true if addr falls in the range.
func (r PageRange[S]) Contains(addr hostarch.Addr) bool {
	_, ok := r.OffsetOf(addr)
	return ok
}

// OffsetOf returns the byte offset of addr from the start of the range.
func (r PageRange[S]) OffsetOf(addr hostarch.Addr) (uint64, bool) {
	if !addr.IsCanonical() {
		return 0, false
	}
	off := addr.Truncate() - r.start.number<<ClassOf[S]().Shift()
	if addr.Truncate() < r.start.number<<ClassOf[S]().Shift() || off >= r.Bytes() {
		return 0, false
	}
	return off, true
}

// AddressAt returns the address offset bytes into the range.
func (r PageRange[S]) AddressAt(offset uint64) (hostarch.Addr, bool) {
	if offset >= r.Bytes() {
		return 0, false
	}
	return hostarch.Addr(r.start.number<<ClassOf[S]().Shift() + offset).Canonical(), true
}

// Overlaps returns true if r and other share a page.
func (r PageRange[S]) Overlaps(other PageRange[S]) bool {
	return r.start.number < other.start.number+other.count && other.start.number < r.start.number+r.count
}

// Adjacent returns true if other begins where r ends or ends where r begins.
func (r PageRange[S]) Adjacent(other PageRange[S]) bool {
	return r.start.number+r.count == other.start.number || other.start.number+other.count == r.start.number
}

// Union returns the range covering r and other, which must be adjacent or
// overlapping.
func (r PageRange[S]) Union(other PageRange[S]) PageRange[S] {
	start := min(r.start.number, other.start.number)
	end := max(r.start.number+r.count, other.start.number+other.count)
	return PageRange[S]{start: Page[S]{number: start}, count: end - start}
}

// String implements fmt.Stringer.String.
func (r PageRange[S]) String() string {
	return fmt.Sprintf("%v x %d (%v)", r.start, r.count, r.AddrRange())
}

// FrameRange is a run of count physically contiguous frames of size S.
type FrameRange[S Size] struct {
	start Frame[S]
	count uint64
}

// NewFrameRange returns the range of count frames starting at start.
func NewFrameRange[S Size](start Frame[S], count uint64) FrameRange[S] {
	return FrameRange[S]{start: start, count: count}
}

// Start returns the first frame.
func (r FrameRange[S]) Start() Frame[S] {
	return r.start
}

// End returns the frame just past the range.
func (r FrameRange[S]) End() Frame[S] {
	return r.start.Add(r.count)
}

// Count returns the number of frames.
func (r FrameRange[S]) Count() uint64 {
	return r.count
}

// Bytes returns the length of the range in bytes.
func (r FrameRange[S]) Bytes() uint64 {
	return r.count << ClassOf[S]().Shift()
}

// StartAddress returns the physical address of the first byte.
func (r FrameRange[S]) StartAddress() uintptr {
	return r.start.Start()
}

// At returns the i-th frame. It panics if i is out of range.
func (r FrameRange[S]) At(i uint64) Frame[S] {
	if i >= r.count {
		panic(fmt.Sprintf("frame %d out of range %v", i, r))
	}
	return r.start.Add(i)
}

// Contains returns true if phys falls in the range.
func (r FrameRange[S]) Contains(phys uintptr) bool {
	start := r.start.Start()
	return phys >= start && uint64(phys-start) < r.Bytes()
}

// Overlaps returns true if r and other share a frame.
func (r FrameRange[S]) Overlaps(other FrameRange[S]) bool {
	return r.start.number < other.start.number+other.count && other.start.number < r.start.number+r.count
}

// Adjacent returns true if other begins where r ends or ends where r begins.
func (r FrameRange[S]) Adjacent(other FrameRange[S]) bool {
	return r.start.number+r.count == other.start.number || other.start.number+other.count == r.start.number
}

// String implements fmt.Stringer.String.
func (r FrameRange[S]) String() string {
	return fmt.Sprintf("%v x %d", r.start, r.count)
}
