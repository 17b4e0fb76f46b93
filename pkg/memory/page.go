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

	"gvisor.dev/vmem/pkg/bits"
	"gvisor.dev/vmem/pkg/hostarch"
)

const (
	// virtualBits is the width of a linear virtual address.
	virtualBits = 48

	// physicalBits is the architectural maximum physical address width.
	physicalBits = 52
)

// Page is a virtual page of size S, identified by its page number within the
// 48-bit linear address space.
//
// The zero value is the page at address zero. Pages are otherwise only
// created through a Capability[S].
type Page[S Size] struct {
	number uint64
}

// PageContaining returns the page that contains addr.
func (c Capability[S]) PageContaining(addr hostarch.Addr) (Page[S], error) {
	if err := c.Check(); err != nil {
		return Page[S]{}, err
	}
	if !addr.IsCanonical() {
		return Page[S]{}, fmt.Errorf("%v: %w", addr, ErrNonCanonical)
	}
	return Page[S]{number: addr.Truncate() >> ClassOf[S]().Shift()}, nil
}

// PageAt returns the page starting at addr, which must be aligned to S.
func (c Capability[S]) PageAt(addr hostarch.Addr) (Page[S], error) {
	if err := c.Check(); err != nil {
		return Page[S]{}, err
	}
	if !addr.IsAligned(ClassOf[S]().Alignment()) {
		return Page[S]{}, fmt.Errorf("%v is not %v aligned: %w", addr, ClassOf[S](), ErrAlignment)
	}
	return c.PageContaining(addr)
}

// PageNumber returns the page with the given number.
func (c Capability[S]) PageNumber(n uint64) (Page[S], error) {
	if err := c.Check(); err != nil {
		return Page[S]{}, err
	}
	if n >= maxNumber[S](virtualBits) {
		return Page[S]{}, fmt.Errorf("page number %#x: %w", n, ErrOutOfBounds)
	}
	return Page[S]{number: n}, nil
}

func maxNumber[S Size](bits uint) uint64 {
	return 1 << (bits - ClassOf[S]().Shift())
}

// Number returns the page number.
func (p Page[S]) Number() uint64 {
	return p.number
}

// Class returns the size class of the page.
func (Page[S]) Class() SizeClass {
	return ClassOf[S]()
}

// Start returns the canonical address of the first byte of the page.
func (p Page[S]) Start() hostarch.Addr {
	return hostarch.Addr(p.number << ClassOf[S]().Shift()).Canonical()
}

// Add returns the page n pages after p. The page number wraps at the top of
// the linear address space.
func (p Page[S]) Add(n uint64) Page[S] {
	return Page[S]{number: (p.number + n) & (maxNumber[S](virtualBits) - 1)}
}

// Sub returns the page n pages before p.
func (p Page[S]) Sub(n uint64) Page[S] {
	return Page[S]{number: (p.number - n) & (maxNumber[S](virtualBits) - 1)}
}

// Distance returns the number of pages from other to p.
func (p Page[S]) Distance(other Page[S]) int64 {
	return int64(p.number) - int64(other.number)
}

// TableIndex returns the index of this page's entry in the table at the
// given level.
func (p Page[S]) TableIndex(level int) int {
	return p.Start().TableIndex(level)
}

// String implements fmt.Stringer.String.
func (p Page[S]) String() string {
	return fmt.Sprintf("Page<%v>(%v)", ClassOf[S](), p.Start())
}

// Frame is a physical frame of size S, identified by its frame number.
type Frame[S Size] struct {
	number uint64
}

// FrameContaining returns the frame that contains phys.
func (c Capability[S]) FrameContaining(phys uintptr) (Frame[S], error) {
	if err := c.Check(); err != nil {
		return Frame[S]{}, err
	}
	if uint64(phys) >= 1<<physicalBits {
		return Frame[S]{}, fmt.Errorf("physical address %#x: %w", phys, ErrOutOfBounds)
	}
	return Frame[S]{number: uint64(phys) >> ClassOf[S]().Shift()}, nil
}

// FrameAt returns the frame starting at phys, which must be aligned to S.
func (c Capability[S]) FrameAt(phys uintptr) (Frame[S], error) {
	if err := c.Check(); err != nil {
		return Frame[S]{}, err
	}
	if !bits.IsAligned(uint64(phys), ClassOf[S]().Alignment()) {
		return Frame[S]{}, fmt.Errorf("physical address %#x is not %v aligned: %w", phys, ClassOf[S](), ErrAlignment)
	}
	return c.FrameContaining(phys)
}

// Number returns the frame number.
func (f Frame[S]) Number() uint64 {
	return f.number
}

// Class returns the size class of the frame.
func (Frame[S]) Class() SizeClass {
	return ClassOf[S]()
}

// Start returns the physical address of the first byte of the frame.
func (f Frame[S]) Start() uintptr {
	return uintptr(f.number << ClassOf[S]().Shift())
}

// Add returns the frame n frames after f.
func (f Frame[S]) Add(n uint64) Frame[S] {
	return Frame[S]{number: f.number + n}
}

// Sub returns the frame n frames before f.
func (f Frame[S]) Sub(n uint64) Frame[S] {
	return Frame[S]{number: f.number - n}
}

// Distance returns the number of frames from other to f.
func (f Frame[S]) Distance(other Frame[S]) int64 {
	return int64(f.number) - int64(other.number)
}

// String implements fmt.Stringer.String.
func (f Frame[S]) String() string {
	return fmt.Sprintf("Frame<%v>(%#x)", ClassOf[S](), f.Start())
}

// BasePageCount returns the number of base pages in one page of size S.
func BasePageCount[S Size]() uint64 {
	return ClassOf[S]().BasePages()
}

// FirstBasePage returns the first base page of p.
func FirstBasePage[S Size](p Page[S]) Page[Base] {
	return Page[Base]{number: p.number * BasePageCount[S]()}
}

// ContainingPage returns the page of size S that contains the base page p.
func ContainingPage[S Size](c Capability[S], p Page[Base]) (Page[S], error) {
	if err := c.Check(); err != nil {
		return Page[S]{}, err
	}
	return Page[S]{number: p.number / BasePageCount[S]()}, nil
}

// FirstBaseFrame returns the first base frame of f.
func FirstBaseFrame[S Size](f Frame[S]) Frame[Base] {
	return Frame[Base]{number: f.number * BasePageCount[S]()}
}
