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

package pagetables

import (
	"gvisor.dev/vmem/pkg/hostarch"
)

// linearTop is the end of the 48-bit linear address space. Walks operate on
// linear addresses, with the sign extension stripped.
const linearTop = uintptr(1) << 48

// visitFunc is called for entries found by a walk. addr is the linear
// address of the first byte the entry maps and level is the level of the
// table holding the entry. Returning false stops the walk.
type visitFunc func(addr uintptr, level int, e *PTE) bool

// walker descends the tables covering a range down to a target level.
//
// At the target level, visit is called for each valid entry, and for each
// invalid entry too if alloc is set. Above the target level, visit is called
// for valid super pages, which the walk does not descend into. Missing tables
// above the target are created if alloc is set and skipped otherwise.
type walker struct {
	pageTables *PageTables

	// target is the level at which entries are visited.
	target int

	// alloc creates missing intermediate tables.
	alloc bool

	// reclaim frees intermediate tables that are empty after the walk.
	reclaim bool

	visit visitFunc

	// err is set if a table allocation failed.
	err error
}

// addrEnd returns the end of the entry of the given size covering addr, or
// end if that comes first. size is a power of two.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange walks the linear range [start, end). It returns false if the
// walk was stopped by visit or by an allocation failure (w.err).
func (w *walker) iterateRange(start, end uintptr) bool {
	if start >= end || end > linearTop {
		panic("bad linear range")
	}
	return w.walkTable(w.pageTables.root, hostarch.PagingLevels, start, end)
}

// walkTable walks the entries of table, which is at the given level, that
// cover [start, end).
func (w *walker) walkTable(table *PTEs, level int, start, end uintptr) bool {
	size := uintptr(hostarch.LevelSize(level))
	shift := hostarch.LevelShift(level)
	for start < end {
		next := addrEnd(start, end, size)
		entry := &table[(start>>shift)&(hostarch.EntriesPerTable-1)]

		if level == w.target {
			if entry.Valid() || w.alloc {
				if !w.visit(start&^(size-1), level, entry) {
					return false
				}
			}
			start = next
			continue
		}

		var child *PTEs
		switch {
		case !entry.Valid():
			if !w.alloc {
				// Skip over this entry.
				start = next
				continue
			}
			// Allocate a new table.
			ptes, err := w.pageTables.Allocator.NewPTEs()
			if err != nil {
				w.err = err
				return false
			}
			entry.setPageTable(w.pageTables.Allocator.PhysicalFor(ptes))
			child = ptes
		case entry.IsSuper():
			// A super page above the target is visited directly.
			if !w.visit(start&^(size-1), level, entry) {
				return false
			}
			start = next
			continue
		default:
			child = w.pageTables.Allocator.LookupPTEs(entry.Address())
		}

		ok := w.walkTable(child, level-1, start, next)

		// Check if we no longer need this table.
		if w.reclaim && child.empty() {
			entry.Clear()
			w.pageTables.Allocator.FreePTEs(child)
		}
		if !ok {
			return false
		}
		start = next
	}
	return true
}
