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

// Package memory defines the page size classes and the page and frame
// identifiers shared by the virtual memory subsystem.
//
// Every page size is a type: Base (4KiB), Huge2M and Huge1G. Pages, frames
// and the ownership tokens built from them are parameterized by that type,
// so a Page[Huge2M] can never be passed where a Page[Base] is expected and
// arithmetic only mixes values of one class. Values are only produced
// through a Capability, which in turn only exists for sizes the running
// processor supports.
package memory

import (
	"fmt"
	"strings"

	"gvisor.dev/vmem/pkg/hostarch"
)

// SizeClass is a dynamic page size.
type SizeClass uint8

// Page size classes, ordered by size.
const (
	// SizeBase is the 4KiB base page, mapped by a PTE.
	SizeBase SizeClass = iota

	// SizeHuge2M is the 2MiB large page, mapped by a PMD leaf.
	SizeHuge2M

	// SizeHuge1G is the 1GiB large page, mapped by a PUD leaf.
	SizeHuge1G

	// NumSizeClasses is the number of size classes.
	NumSizeClasses
)

// Valid returns true if c is one of the known size classes.
func (c SizeClass) Valid() bool {
	return c < NumSizeClasses
}

// TableLevel returns the page table level holding leaves of this size,
// counting from 1 at the PTE level.
func (c SizeClass) TableLevel() int {
	return int(c) + 1
}

// ClassAtLevel returns the size class of leaves held at the given table
// level, if leaves may be held there.
func ClassAtLevel(level int) (SizeClass, bool) {
	c := SizeClass(level - 1)
	return c, level >= 1 && c.Valid()
}

// Shift returns the binary log of the page size.
func (c SizeClass) Shift() uint {
	return hostarch.LevelShift(c.TableLevel())
}

// Bytes returns the page size in bytes.
func (c SizeClass) Bytes() uint64 {
	return 1 << c.Shift()
}

// Alignment returns the required alignment of pages of this size. It is
// always equal to Bytes.
func (c SizeClass) Alignment() uint64 {
	return c.Bytes()
}

// BasePages returns the number of base pages in one page of this size.
func (c SizeClass) BasePages() uint64 {
	return c.Bytes() >> hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (c SizeClass) String() string {
	switch c {
	case SizeBase:
		return "4K"
	case SizeHuge2M:
		return "2M"
	case SizeHuge1G:
		return "1G"
	default:
		return fmt.Sprintf("SizeClass(%d)", uint8(c))
	}
}

// ParseSizeClass parses the String form of a size class. Lowercase and a
// trailing "B"/"iB" are accepted.
func ParseSizeClass(s string) (SizeClass, error) {
	u := strings.TrimSuffix(strings.TrimSuffix(strings.ToUpper(s), "B"), "I")
	switch u {
	case "4K":
		return SizeBase, nil
	case "2M":
		return SizeHuge2M, nil
	case "1G":
		return SizeHuge1G, nil
	}
	return 0, fmt.Errorf("unknown page size %q", s)
}

// Base is the 4KiB page size.
type Base struct{}

// Class returns SizeBase.
func (Base) Class() SizeClass { return SizeBase }

// Huge2M is the 2MiB page size.
type Huge2M struct{}

// Class returns SizeHuge2M.
func (Huge2M) Class() SizeClass { return SizeHuge2M }

// Huge1G is the 1GiB page size.
type Huge1G struct{}

// Class returns SizeHuge1G.
func (Huge1G) Class() SizeClass { return SizeHuge1G }

// Size is satisfied by exactly the three page size types.
type Size interface {
	Base | Huge2M | Huge1G
	Class() SizeClass
}

// ClassOf returns the dynamic size class of S.
func ClassOf[S Size]() SizeClass {
	var s S
	return s.Class()
}
