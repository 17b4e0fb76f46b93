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
	"strings"
	"sync/atomic"

	"gvisor.dev/vmem/pkg/bits"
	"gvisor.dev/vmem/pkg/hostarch"
)

// Bits in page table entries.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	writeThrough   = 0x008
	cacheDisable   = 0x010
	accessed       = 0x020
	dirty          = 0x040
	super          = 0x080
	global         = 0x100
	optionMask     = executeDisable | 0xfff
	executeDisable = 1 << 63
	addressMask    = 0x000ffffffffff000
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.String.
func (opts MapOpts) String() string {
	var b strings.Builder
	b.WriteString(opts.AccessType.String())
	if opts.Global {
		b.WriteString(" global")
	}
	if opts.User {
		b.WriteString(" user")
	}
	if opts.MemoryType != hostarch.MemoryTypeWriteBack {
		b.WriteString(" ")
		b.WriteString(opts.MemoryType.ShortString())
	}
	return b.String()
}

// PTE is a page table entry.
type PTE uintptr

// Clear clears this PTE, including super page information.
func (p *PTE) Clear() {
	atomic.StoreUintptr((*uintptr)(p), 0)
}

// raw returns the entry bits.
func (p *PTE) raw() uintptr {
	return atomic.LoadUintptr((*uintptr)(p))
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return bits.IsOn(atomic.LoadUintptr((*uintptr)(p)), present)
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
func (p *PTE) Opts() MapOpts {
	v := atomic.LoadUintptr((*uintptr)(p))
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    bits.IsOn(v, present),
			Write:   bits.IsOn(v, writable),
			Execute: !bits.IsOn(v, executeDisable),
		},
		Global:     bits.IsOn(v, global),
		User:       bits.IsOn(v, user),
		MemoryType: memoryTypeOf(v),
	}
}

// SetSuper sets this page as a super page.
//
// The page must not be valid or a panic will result.
func (p *PTE) SetSuper() {
	if p.Valid() {
		// This is not allowed.
		panic("SetSuper called on valid page!")
	}
	atomic.StoreUintptr((*uintptr)(p), super)
}

// IsSuper returns true iff this page is a super page.
func (p *PTE) IsSuper() bool {
	return bits.IsOn(atomic.LoadUintptr((*uintptr)(p)), super)
}

// Set sets this PTE value.
//
// This does not change the super page property.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (addr &^ optionMask) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if p.IsSuper() {
		// Note that this is inherited from the previous instance. Set
		// does not change the value of Super. See above.
		v |= super
	}
	v |= memoryTypeBits(opts.MemoryType)
	atomic.StoreUintptr((*uintptr)(p), v)
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages and linking
// new tables. Intermediate entries grant everything so that leaves alone
// decide permissions.
func (p *PTE) setPageTable(addr uintptr) {
	v := (addr &^ optionMask) | present | user | writable | accessed | dirty
	atomic.StoreUintptr((*uintptr)(p), v)
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uintptr {
	return atomic.LoadUintptr((*uintptr)(p)) & addressMask
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	v := atomic.LoadUintptr((*uintptr)(p))
	if v&present == 0 {
		return fmt.Sprintf("%#016x (not present)", v)
	}
	kind := "table"
	if v&super != 0 {
		kind = "super"
	}
	return fmt.Sprintf("%#016x %s addr=%#x %v", v, kind, v&addressMask, p.Opts())
}

func memoryTypeBits(mt hostarch.MemoryType) uintptr {
	switch mt {
	case hostarch.MemoryTypeWriteThrough:
		return writeThrough
	case hostarch.MemoryTypeUncached:
		return writeThrough | cacheDisable
	default:
		return 0
	}
}

func memoryTypeOf(v uintptr) hostarch.MemoryType {
	switch v & (writeThrough | cacheDisable) {
	case writeThrough:
		return hostarch.MemoryTypeWriteThrough
	case writeThrough | cacheDisable:
		return hostarch.MemoryTypeUncached
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// PTEs is a collection of entries.
type PTEs [hostarch.EntriesPerTable]PTE

// empty returns true if no entry is valid.
func (p *PTEs) empty() bool {
	for i := range p {
		if p[i].Valid() {
			return false
		}
	}
	return true
}
