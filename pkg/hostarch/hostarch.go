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

// Package hostarch describes the x86-64 address geometry used by the virtual
// memory subsystem.
package hostarch

// Page geometry. Each paging level resolves 9 bits of the address.
const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2MiB huge page size.
	HugePageShift = 21

	// HugePageSize is the 2MiB huge page size.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of the 1GiB page size.
	GiantPageShift = 30

	// GiantPageSize is the 1GiB page size.
	GiantPageSize = 1 << GiantPageShift

	// LevelBits is the number of address bits resolved by one table level.
	LevelBits = 9

	// EntriesPerTable is the number of entries in one page table node.
	EntriesPerTable = 1 << LevelBits

	// PagingLevels is the number of page table levels (four-level paging).
	PagingLevels = 4
)

// Canonical address bounds for 48-bit virtual addresses.
const (
	// LowerTop is the last canonical address in the lower half.
	LowerTop Addr = 0x00007fffffffffff

	// UpperBottom is the first canonical address in the upper half.
	UpperBottom Addr = 0xffff800000000000
)

// LevelShift returns the address shift of the entries at the given level,
// where level 1 is the leaf PTE level.
func LevelShift(level int) uint {
	return uint(PageShift + LevelBits*(level-1))
}

// LevelSize returns the number of bytes covered by one entry at the given
// level.
func LevelSize(level int) uint64 {
	return uint64(1) << LevelShift(level)
}
