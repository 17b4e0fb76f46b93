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

// Package pagetables provides a generic implementation of x86-64 four-level
// page tables.
//
// Every operation, whatever the page size, uses the same walker; the size
// class only selects the level at which leaves live.
package pagetables

import (
	"fmt"

	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/sync"
)

// upperHalf is the linear address at which the upper canonical half begins.
const upperHalf = uintptr(1) << 47

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// mu protects the entries below root. Lookups take it for reading.
	mu sync.RWMutex

	// root is the pagetable root. It is nil after Release.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("page table root: %w", err)
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// RootPhysical returns the physical address of the root table, as loaded
// into CR3.
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

// Leaf describes a present leaf entry.
type Leaf struct {
	// Addr is the canonical virtual address of the page.
	Addr hostarch.Addr

	// Class is the size of the page.
	Class memory.SizeClass

	// Physical is the physical address of the frame.
	Physical uintptr

	// Opts are the mapping options.
	Opts MapOpts
}

// String implements fmt.Stringer.String.
func (l Leaf) String() string {
	return fmt.Sprintf("%v %v -> %#x %v", l.Addr, l.Class, l.Physical, l.Opts)
}

// linearRange validates a run of count pages of the given class at addr and
// returns its linear bounds.
func linearRange(addr hostarch.Addr, count uint64, class memory.SizeClass) (start, end uintptr, err error) {
	if !class.Valid() {
		return 0, 0, fmt.Errorf("size class %v: %w", class, memory.ErrUnsupportedSize)
	}
	if !addr.IsCanonical() {
		return 0, 0, fmt.Errorf("%v: %w", addr, memory.ErrNonCanonical)
	}
	if !addr.IsAligned(class.Alignment()) {
		return 0, 0, fmt.Errorf("%v is not %v aligned: %w", addr, class, memory.ErrAlignment)
	}
	if count == 0 || count > uint64(linearTop)>>class.Shift() {
		return 0, 0, fmt.Errorf("%d %v pages: %w", count, class, memory.ErrInvalidCount)
	}
	start = uintptr(addr.Truncate())
	end = start + uintptr(count<<class.Shift())
	if end > linearTop {
		return 0, 0, fmt.Errorf("%d %v pages at %v: %w", count, class, addr, memory.ErrInvalidCount)
	}
	if start < upperHalf && end > upperHalf {
		return 0, 0, fmt.Errorf("%d %v pages at %v cross the canonical hole: %w", count, class, addr, memory.ErrNonCanonical)
	}
	return start, end, nil
}

func (p *PageTables) checkLive() {
	if p.root == nil {
		panic("use of released page tables")
	}
}

// Map installs count leaves of the given class starting at addr, mapping
// consecutive frames starting at physical.
//
// If any slot in the range is already in use, Map fails with
// ErrEntryAlreadyPresent and the tables are unchanged. If a table cannot be
// allocated, everything installed so far is removed and the error wraps
// ErrOutOfMemory.
func (p *PageTables) Map(addr hostarch.Addr, count uint64, class memory.SizeClass, physical uintptr, opts MapOpts) error {
	start, end, err := linearRange(addr, count, class)
	if err != nil {
		return err
	}
	if uint64(physical)&(class.Alignment()-1) != 0 {
		return fmt.Errorf("physical address %#x is not %v aligned: %w", physical, class, memory.ErrAlignment)
	}
	if !opts.AccessType.Any() {
		return fmt.Errorf("map %v with no access: %w", addr, memory.ErrPermission)
	}
	target := class.TableLevel()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkLive()

	// Check that every slot is free before touching anything.
	conflict := false
	var conflictAt uintptr
	check := walker{
		pageTables: p,
		target:     target,
		visit: func(a uintptr, level int, e *PTE) bool {
			conflict = true
			conflictAt = a
			return false
		},
	}
	check.iterateRange(start, end)
	if conflict {
		return fmt.Errorf("map %d %v pages at %v: entry for %v: %w", count, class, addr, hostarch.Addr(conflictAt).Canonical(), memory.ErrEntryAlreadyPresent)
	}

	install := walker{
		pageTables: p,
		target:     target,
		alloc:      true,
		visit: func(a uintptr, level int, e *PTE) bool {
			if class != memory.SizeBase {
				e.SetSuper()
			}
			e.Set(physical+(a-start), opts)
			return true
		},
	}
	if install.iterateRange(start, end) {
		return nil
	}

	// Remove the partial mapping, along with any tables that are now empty.
	p.clearRange(start, end, target)
	return fmt.Errorf("map %d %v pages at %v: %w", count, class, addr, install.err)
}

// clearRange clears every entry at the target level in [start, end) and
// frees the tables left empty.
func (p *PageTables) clearRange(start, end uintptr, target int) {
	w := walker{
		pageTables: p,
		target:     target,
		reclaim:    true,
		visit: func(a uintptr, level int, e *PTE) bool {
			e.Clear()
			return true
		},
	}
	w.iterateRange(start, end)
}

// countLeaves returns the number of leaves of exactly the given class in
// [start, end), and whether anything else was found in their place.
func (p *PageTables) countLeaves(start, end uintptr, class memory.SizeClass) (uint64, bool) {
	var found uint64
	mismatch := false
	w := walker{
		pageTables: p,
		target:     class.TableLevel(),
		visit: func(a uintptr, level int, e *PTE) bool {
			if level != class.TableLevel() || (class != memory.SizeBase && !e.IsSuper()) {
				mismatch = true
				return false
			}
			found++
			return true
		},
	}
	w.iterateRange(start, end)
	return found, mismatch
}

// Unmap clears the count leaves of the given class starting at addr and
// frees tables that become empty.
//
// Every leaf must be present and of the given class, or Unmap fails with
// ErrNotMapped without modifying anything.
func (p *PageTables) Unmap(addr hostarch.Addr, count uint64, class memory.SizeClass) error {
	start, end, err := linearRange(addr, count, class)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkLive()

	if found, mismatch := p.countLeaves(start, end, class); mismatch || found != count {
		return fmt.Errorf("unmap %d %v pages at %v (%d present): %w", count, class, addr, found, memory.ErrNotMapped)
	}
	p.clearRange(start, end, class.TableLevel())
	return nil
}

// Protect changes the options of the count leaves of the given class
// starting at addr. The frames they map are unchanged.
func (p *PageTables) Protect(addr hostarch.Addr, count uint64, class memory.SizeClass, opts MapOpts) error {
	start, end, err := linearRange(addr, count, class)
	if err != nil {
		return err
	}
	if !opts.AccessType.Any() {
		return fmt.Errorf("protect %v with no access: %w", addr, memory.ErrPermission)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkLive()

	if found, mismatch := p.countLeaves(start, end, class); mismatch || found != count {
		return fmt.Errorf("protect %d %v pages at %v (%d present): %w", count, class, addr, found, memory.ErrNotMapped)
	}
	w := walker{
		pageTables: p,
		target:     class.TableLevel(),
		visit: func(a uintptr, level int, e *PTE) bool {
			e.Set(e.Address(), opts)
			return true
		},
	}
	w.iterateRange(start, end)
	return nil
}

// Lookup returns the physical address addr translates to, along with the
// options and size of the leaf mapping it.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, class memory.SizeClass, ok bool) {
	if !addr.IsCanonical() {
		return 0, MapOpts{}, 0, false
	}
	linear := uintptr(addr.Truncate())

	p.mu.RLock()
	defer p.mu.RUnlock()
	p.checkLive()

	table := p.root
	for level := hostarch.PagingLevels; level >= 1; level-- {
		e := &table[addr.TableIndex(level)]
		if !e.Valid() {
			return 0, MapOpts{}, 0, false
		}
		if level == 1 || e.IsSuper() {
			size := uintptr(hostarch.LevelSize(level))
			class, _ := memory.ClassAtLevel(level)
			return e.Address() + linear&(size-1), e.Opts(), class, true
		}
		table = p.Allocator.LookupPTEs(e.Address())
	}
	panic("unreachable")
}

// Walk calls fn for every present leaf in address order, until fn returns
// false.
func (p *PageTables) Walk(fn func(Leaf) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.checkLive()

	w := walker{
		pageTables: p,
		target:     1,
		visit: func(a uintptr, level int, e *PTE) bool {
			class, _ := memory.ClassAtLevel(level)
			return fn(Leaf{
				Addr:     hostarch.Addr(a).Canonical(),
				Class:    class,
				Physical: e.Address(),
				Opts:     e.Opts(),
			})
		},
	}
	w.iterateRange(0, linearTop)
}

// PathEntry is one entry on the translation path of an address.
type PathEntry struct {
	// Level is the level of the table holding the entry.
	Level int

	// Index is the index of the entry in its table.
	Index int

	// PTE is the value of the entry.
	PTE PTE
}

// String implements fmt.Stringer.String.
func (e PathEntry) String() string {
	return fmt.Sprintf("L%d[%03d] %v", e.Level, e.Index, e.PTE.String())
}

// DumpPTE returns the entries on the translation path of addr, from the
// root down to the leaf or the first entry that is not present.
func (p *PageTables) DumpPTE(addr hostarch.Addr) []PathEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.checkLive()

	var path []PathEntry
	table := p.root
	for level := hostarch.PagingLevels; level >= 1; level-- {
		i := addr.TableIndex(level)
		e := &table[i]
		path = append(path, PathEntry{Level: level, Index: i, PTE: PTE(e.raw())})
		if !e.Valid() || level == 1 || e.IsSuper() {
			break
		}
		table = p.Allocator.LookupPTEs(e.Address())
	}
	return path
}

// Release frees every table. It fails with ErrLiveMappings if any leaf is
// still present. Release is idempotent.
func (p *PageTables) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return nil
	}

	live := 0
	leaves := walker{
		pageTables: p,
		target:     1,
		visit: func(uintptr, int, *PTE) bool {
			live++
			return true
		},
	}
	leaves.iterateRange(0, linearTop)
	if live != 0 {
		return fmt.Errorf("release page tables with %d leaves: %w", live, memory.ErrLiveMappings)
	}

	// With no leaves, every intermediate table is empty and reclaimed.
	p.clearRange(0, linearTop, 1)
	p.Allocator.FreePTEs(p.root)
	p.root = nil
	return nil
}
