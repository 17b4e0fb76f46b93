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

// Package mm ties virtual pages, physical frames and page tables together
// into mappings.
//
// A mapping is created from two ownership tokens, an AllocatedPages and an
// AllocatedFrames of the same size class, and is itself a token: the
// MappedPages is the only proof that the range is mapped, and unmapping it
// returns the pages and frames to their allocators.
package mm

import (
	"fmt"

	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/pgalloc"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
	"gvisor.dev/vmem/pkg/sync"
	"gvisor.dev/vmem/pkg/tlb"
	"gvisor.dev/vmem/pkg/vmalloc"
)

// Opts are the collaborators of an AddressSpace.
type Opts struct {
	// Pages allocates virtual ranges. It is required.
	Pages *vmalloc.Allocator

	// Frames allocates backing frames and page tables. It is required.
	Frames *pgalloc.Allocator

	// Machine is the set of CPUs that may execute in the address space. It
	// is required.
	Machine *tlb.Machine

	// Sizes decides which page sizes may be used. If nil, the host's sizes
	// are used.
	Sizes *memory.Sizes

	// PCIDs assigns the address space identifier. If nil, the identifier
	// is zero, as for the kernel address space.
	PCIDs *pagetables.PCIDs

	// Tables allocates page table nodes. If nil, nodes are allocated from
	// Frames.
	Tables pagetables.Allocator
}

// AddressSpace is a set of page tables and the bookkeeping needed to keep
// the TLBs of the CPUs executing in it coherent.
type AddressSpace struct {
	// The following fields are immutable.
	pages      *vmalloc.Allocator
	frames     *pgalloc.Allocator
	machine    *tlb.Machine
	sizes      *memory.Sizes
	pcids      *pagetables.PCIDs
	pageTables *pagetables.PageTables
	asid       uint16

	// mu protects the fields below.
	mu sync.Mutex

	// active are the CPUs that may hold translations of this address
	// space.
	active map[*tlb.CPU]struct{}

	// live is the number of live mappings.
	live int

	// released is set by Release.
	released bool
}

// NewAddressSpace creates an empty address space.
func NewAddressSpace(opts Opts) (*AddressSpace, error) {
	if opts.Pages == nil || opts.Frames == nil || opts.Machine == nil {
		return nil, fmt.Errorf("address space needs pages, frames and a machine")
	}
	if opts.Sizes == nil {
		opts.Sizes = memory.HostSizes()
	}
	if opts.Tables == nil {
		opts.Tables = pagetables.NewPhysicalAllocator(opts.Frames)
	}
	pt, err := pagetables.New(opts.Tables)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		pages:      opts.Pages,
		frames:     opts.Frames,
		machine:    opts.Machine,
		sizes:      opts.Sizes,
		pcids:      opts.PCIDs,
		pageTables: pt,
		active:     make(map[*tlb.CPU]struct{}),
	}
	if opts.PCIDs != nil {
		pcid, flush := opts.PCIDs.Assign(pt)
		if pcid == 0 {
			pt.Release()
			return nil, fmt.Errorf("no free address space identifier: %w", memory.ErrOutOfMemory)
		}
		as.asid = pcid
		if flush {
			// The identifier may have been used by a released address
			// space.
			opts.Machine.Shootdown(opts.Machine.CPUs(), pcid, tlb.AllRanges)
		}
	}
	log.Debugf("mm: created address space %d with root table at %#x", as.asid, pt.RootPhysical())
	return as, nil
}

// ID returns the address space identifier used to tag TLB entries.
func (as *AddressSpace) ID() uint16 {
	return as.asid
}

// PageTables returns the page tables.
func (as *AddressSpace) PageTables() *pagetables.PageTables {
	return as.pageTables
}

// Pages returns the virtual range allocator.
func (as *AddressSpace) Pages() *vmalloc.Allocator {
	return as.pages
}

// Frames returns the frame allocator.
func (as *AddressSpace) Frames() *pgalloc.Allocator {
	return as.frames
}

// Machine returns the machine.
func (as *AddressSpace) Machine() *tlb.Machine {
	return as.machine
}

// Sizes returns the page sizes the address space may use.
func (as *AddressSpace) Sizes() *memory.Sizes {
	return as.sizes
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("AddressSpace{id: %d, root: %#x}", as.asid, as.pageTables.RootPhysical())
}

// Activate records that cpu executes in the address space, making it a
// target of future shootdowns.
func (as *AddressSpace) Activate(cpu *tlb.CPU) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.active[cpu] = struct{}{}
}

// Active returns the CPUs that may hold translations of the address space.
func (as *AddressSpace) Active() []*tlb.CPU {
	as.mu.Lock()
	defer as.mu.Unlock()
	cpus := make([]*tlb.CPU, 0, len(as.active))
	for c := range as.active {
		cpus = append(cpus, c)
	}
	return cpus
}

// Live returns the number of live mappings.
func (as *AddressSpace) Live() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.live
}

// Translate translates addr as cpu would: through its TLB, walking the page
// tables and filling the TLB on a miss. cpu is activated.
//
// The fill is discarded if cpu serviced an invalidation during the walk, so
// a translation removed by a concurrent Unmap is never cached.
func (as *AddressSpace) Translate(cpu *tlb.CPU, addr hostarch.Addr) (uintptr, pagetables.MapOpts, error) {
	as.Activate(cpu)
	if e, ok := cpu.Lookup(as.asid, addr); ok {
		return e.Translate(addr), e.Opts, nil
	}
	gen := cpu.Generation()
	phys, opts, class, ok := as.pageTables.Lookup(addr)
	if !ok {
		return 0, pagetables.MapOpts{}, fmt.Errorf("translate %v: %w", addr, memory.ErrNotMapped)
	}
	offset := uint64(addr) & (class.Bytes() - 1)
	cpu.FillAt(as.asid, tlb.Entry{
		Virtual:  addr - hostarch.Addr(offset),
		Class:    class,
		Physical: phys - uintptr(offset),
		Opts:     opts,
	}, gen)
	return phys, opts, nil
}

// shootdown invalidates r on every active CPU. It must be called without
// any lock held.
func (as *AddressSpace) shootdown(r hostarch.AddrRange) {
	as.machine.Shootdown(as.Active(), as.asid, r)
}

// acquire reserves a slot for a new mapping.
func (as *AddressSpace) acquire() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		return fmt.Errorf("%v has been released", as)
	}
	as.live++
	return nil
}

// drop releases n mapping slots.
func (as *AddressSpace) drop(n int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.live < n {
		panic(fmt.Sprintf("%v: dropping %d of %d live mappings", as, n, as.live))
	}
	as.live -= n
}

// Release tears down the address space. It fails with ErrLiveMappings if any
// mapping is still live. Release is idempotent.
func (as *AddressSpace) Release() error {
	as.mu.Lock()
	if as.released {
		as.mu.Unlock()
		return nil
	}
	if as.live != 0 {
		live := as.live
		as.mu.Unlock()
		return fmt.Errorf("release %v with %d mappings: %w", as, live, memory.ErrLiveMappings)
	}
	if err := as.pageTables.Release(); err != nil {
		as.mu.Unlock()
		return err
	}
	as.released = true
	as.mu.Unlock()

	as.shootdown(tlb.AllRanges)
	if as.pcids != nil {
		as.pcids.Drop(as.pageTables)
	}
	log.Debugf("mm: released address space %d", as.asid)
	return nil
}
