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
	"fmt"
	"unsafe"

	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/pgalloc"
)

// PhysicalAllocator allocates page table nodes from simulated physical
// memory, so that entries hold real physical addresses of their children.
type PhysicalAllocator struct {
	frames *pgalloc.Allocator
	mf     *pgalloc.MemoryFile

	// base is the host address of physical address zero.
	base uintptr
}

// NewPhysicalAllocator returns an allocator that takes table frames from
// frames.
func NewPhysicalAllocator(frames *pgalloc.Allocator) *PhysicalAllocator {
	mf := frames.MemoryFile()
	b, err := mf.Slice(0, hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("physical memory has no first frame: %v", err))
	}
	return &PhysicalAllocator{
		frames: frames,
		mf:     mf,
		base:   uintptr(unsafe.Pointer(&b[0])),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *PhysicalAllocator) NewPTEs() (*PTEs, error) {
	phys, err := a.frames.AllocateTable()
	if err != nil {
		return nil, err
	}
	return a.LookupPTEs(phys), nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *PhysicalAllocator) PhysicalFor(ptes *PTEs) uintptr {
	return uintptr(unsafe.Pointer(ptes)) - a.base
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *PhysicalAllocator) LookupPTEs(physical uintptr) *PTEs {
	b, err := a.mf.Slice(physical, hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("page table at invalid physical address %#x: %v", physical, err))
	}
	return (*PTEs)(unsafe.Pointer(&b[0]))
}

// FreePTEs implements Allocator.FreePTEs.
func (a *PhysicalAllocator) FreePTEs(ptes *PTEs) {
	a.frames.FreeTable(a.PhysicalFor(ptes))
}
