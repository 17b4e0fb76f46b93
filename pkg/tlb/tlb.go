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

// Package tlb simulates per-core translation lookaside buffers and the
// inter-processor interrupts used to keep them coherent.
//
// Each CPU runs its own goroutine that services an IPI mailbox. Entries are
// tagged with the identifier of their address space, so switching address
// spaces does not flush them; changes to an address space's mappings must be
// followed by a Shootdown on every CPU that has executed in it.
package tlb

import (
	"fmt"

	"gvisor.dev/vmem/pkg/atomicbitops"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/metric"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
	"gvisor.dev/vmem/pkg/sync"
)

var (
	hitsMetric   = metric.MustCreateNewUint64Metric("/vmem/tlb/hits", false /* sync */, "Number of translations served from a TLB.")
	missesMetric = metric.MustCreateNewUint64Metric("/vmem/tlb/misses", false /* sync */, "Number of translations that missed the TLB.")
)

// Entry is a cached translation.
type Entry struct {
	// Virtual is the start of the page.
	Virtual hostarch.Addr

	// Class is the size of the page.
	Class memory.SizeClass

	// Physical is the start of the frame.
	Physical uintptr

	// Opts are the options of the leaf entry.
	Opts pagetables.MapOpts
}

// Range returns the virtual range the entry translates.
func (e Entry) Range() hostarch.AddrRange {
	r, ok := e.Virtual.ToRange(e.Class.Bytes())
	if !ok {
		// The last page of the address space.
		r.End = ^hostarch.Addr(0)
	}
	return r
}

// Translate returns the physical address of addr, which must be in e.Range().
func (e Entry) Translate(addr hostarch.Addr) uintptr {
	return e.Physical + uintptr(addr-e.Virtual)
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("%v %v -> %#x %v", e.Virtual, e.Class, e.Physical, e.Opts)
}

type tlbKey struct {
	asid  uint16
	class memory.SizeClass
	page  hostarch.Addr
}

// CPU is a simulated core.
type CPU struct {
	// id is the index of the CPU in its machine. It is immutable.
	id int

	// mailbox receives IPIs.
	mailbox chan *ipi

	// hung, when set, makes the CPU drop IPIs without acknowledging them.
	hung atomicbitops.Bool

	// acks is the number of IPIs this CPU has acknowledged.
	acks atomicbitops.Uint64

	// mu protects entries and gen.
	mu sync.Mutex

	// entries is the TLB.
	entries map[tlbKey]Entry

	// gen is incremented by every invalidation.
	gen uint64
}

func newCPU(id int) *CPU {
	return &CPU{
		id:      id,
		mailbox: make(chan *ipi, mailboxDepth),
		entries: make(map[tlbKey]Entry),
	}
}

// ID returns the index of the CPU.
func (c *CPU) ID() int {
	return c.id
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}

// Acks returns the number of IPIs the CPU has acknowledged.
func (c *CPU) Acks() uint64 {
	return c.acks.Load()
}

// Lookup returns the cached translation of addr in the address space asid.
func (c *CPU) Lookup(asid uint16, addr hostarch.Addr) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for class := memory.SizeBase; class < memory.NumSizeClasses; class++ {
		page := addr &^ hostarch.Addr(class.Bytes()-1)
		if e, ok := c.entries[tlbKey{asid, class, page}]; ok {
			hitsMetric.Increment()
			return e, true
		}
	}
	missesMetric.Increment()
	return Entry{}, false
}

// Fill caches a translation for the address space asid.
func (c *CPU) Fill(asid uint16, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tlbKey{asid, e.Class, e.Virtual}] = e
}

// Generation returns the invalidation generation of the TLB. A page table
// walk that is to be cached with FillAt must read it before the walk starts.
func (c *CPU) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// FillAt caches a translation found by a walk that started at generation
// gen. If an invalidation has been serviced since, the walk may have seen an
// entry that is now gone, and the translation is dropped. FillAt returns
// true if the translation was cached.
func (c *CPU) FillAt(asid uint16, e Entry, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.entries[tlbKey{asid, e.Class, e.Virtual}] = e
	return true
}

// Holds returns true if the TLB caches any translation of asid overlapping r.
func (c *CPU) Holds(asid uint16, r hostarch.AddrRange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.asid == asid && e.Range().Overlaps(r) {
			return true
		}
	}
	return false
}

// Len returns the number of cached translations.
func (c *CPU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// invalidate drops the translations of asid overlapping r.
func (c *CPU) invalidate(asid uint16, r hostarch.AddrRange) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	n := 0
	for k, e := range c.entries {
		if k.asid == asid && e.Range().Overlaps(r) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
