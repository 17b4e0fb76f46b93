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
	"gvisor.dev/vmem/pkg/sync"
)

// limitPCID is the maximum value of PCIDs on x86.
const limitPCID = 4095

// PCIDs is a pool of process-context identifiers. Each live set of page
// tables holds one; shootdowns name the address space by it.
type PCIDs struct {
	// mu protects below.
	mu sync.Mutex

	// cache are the assigned page tables.
	cache map[*PageTables]uint16

	// avail are available PCIDs.
	avail []uint16
}

// NewPCIDs returns a new PCID database.
//
// start is the first index to assign. Typically this will be one, as PCID
// zero is reserved for the kernel address space. This may be more than one
// if specific PCIDs are reserved.
//
// Nil is returned iff the start and size are out of range.
func NewPCIDs(start, size uint16) *PCIDs {
	if uint32(start)+uint32(size) > limitPCID {
		return nil
	}
	p := &PCIDs{
		cache: make(map[*PageTables]uint16),
	}
	for pcid := start; pcid < start+size; pcid++ {
		p.avail = append(p.avail, pcid)
	}
	return p
}

// Assign assigns a PCID to the given PageTables.
//
// If pt already holds a PCID it is returned with false. A newly assigned PCID
// is returned with true, as stale entries for it must be flushed. If the pool
// is exhausted, Assign returns (0, false).
func (p *PCIDs) Assign(pt *PageTables) (uint16, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pcid, ok := p.cache[pt]; ok {
		return pcid, false // No flush.
	}

	// Is there something available?
	if len(p.avail) > 0 {
		pcid := p.avail[len(p.avail)-1]
		p.avail = p.avail[:len(p.avail)-1]
		p.cache[pt] = pcid

		return pcid, true
	}

	// Nothing available.
	return 0, false
}

// Drop drops references to a set of page tables.
func (p *PCIDs) Drop(pt *PageTables) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pcid, ok := p.cache[pt]; ok {
		delete(p.cache, pt)
		p.avail = append(p.avail, pcid)
	}
}

// Available returns the number of unassigned PCIDs.
func (p *PCIDs) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.avail)
}

// Assigned returns the number of page tables holding a PCID.
func (p *PCIDs) Assigned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}
