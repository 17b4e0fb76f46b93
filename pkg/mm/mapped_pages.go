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

package mm

import (
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/pgalloc"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
	"gvisor.dev/vmem/pkg/sync"
	"gvisor.dev/vmem/pkg/vmalloc"
)

// MappedPages is a mapped virtual range. It owns the virtual pages and the
// frames backing them, and is the only proof that the range is mapped.
//
// Unmap (or Close) undoes the mapping. A MappedPages that is dropped without
// being unmapped leaks its pages, frames and page table entries, and a
// warning is logged once it is collected.
type MappedPages[S memory.Size] struct {
	// as is immutable.
	as *AddressSpace

	// mu protects the fields below. It is held for reading while the
	// contents are accessed and for writing while the mapping changes.
	mu sync.RWMutex

	// pages is the virtual range.
	pages *vmalloc.AllocatedPages[S]

	// frames back pages in order. There is more than one run only after
	// Merge.
	frames []*pgalloc.AllocatedFrames[S]

	// opts are the flags of every leaf.
	opts pagetables.MapOpts

	// keepFrames is set by KeepFramesOnUnmap.
	keepFrames bool

	// unmapped is set once the mapping is gone, by Unmap or by being merged
	// into another mapping.
	unmapped bool
}

// AddressSpace returns the address space the pages are mapped in.
func (m *MappedPages[S]) AddressSpace() *AddressSpace {
	return m.as
}

// AddressSpaceID returns the identifier of the address space.
func (m *MappedPages[S]) AddressSpaceID() uint16 {
	return m.as.asid
}

// SizeClass returns the page size of the mapping.
func (m *MappedPages[S]) SizeClass() memory.SizeClass {
	return memory.ClassOf[S]()
}

// Range returns the mapped pages.
func (m *MappedPages[S]) Range() memory.PageRange[S] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pages.Range()
}

// Start returns the first mapped address.
func (m *MappedPages[S]) Start() hostarch.Addr {
	return m.Range().StartAddress()
}

// Count returns the number of mapped pages.
func (m *MappedPages[S]) Count() uint64 {
	return m.Range().Count()
}

// Bytes returns the mapped length.
func (m *MappedPages[S]) Bytes() uint64 {
	return m.Range().Bytes()
}

// Flags returns the options every page is mapped with.
func (m *MappedPages[S]) Flags() pagetables.MapOpts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

// Live returns true until the mapping is unmapped or merged away.
func (m *MappedPages[S]) Live() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.unmapped
}

// String implements fmt.Stringer.String.
func (m *MappedPages[S]) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := "mapped"
	if m.unmapped {
		state = "unmapped"
	}
	return fmt.Sprintf("MappedPages{as: %d, %v, %v, %d frame runs, %s}", m.as.asid, m.pages.Range(), m.opts, len(m.frames), state)
}

// KeepFramesOnUnmap makes Unmap return the frames to the caller instead of
// releasing them.
func (m *MappedPages[S]) KeepFramesOnUnmap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepFrames = true
}

// Unmap removes the mapping, invalidates the TLB of every CPU that ran in
// the address space and returns the virtual range to its allocator. The
// frames are released, unless KeepFramesOnUnmap was called, in which case
// they are returned.
func (m *MappedPages[S]) Unmap() ([]*pgalloc.AllocatedFrames[S], error) {
	return m.unmap(false)
}

// Close unmaps the pages and releases the frames. Closing a mapping that is
// already unmapped is a no-op.
func (m *MappedPages[S]) Close() error {
	_, err := m.unmap(true)
	if errors.Is(err, memory.ErrAlreadyUnmapped) {
		return nil
	}
	return err
}

func (m *MappedPages[S]) unmap(release bool) ([]*pgalloc.AllocatedFrames[S], error) {
	m.mu.Lock()
	if m.unmapped {
		m.mu.Unlock()
		return nil, fmt.Errorf("unmap %v: %w", m.pages.Range(), memory.ErrAlreadyUnmapped)
	}
	r := m.pages.Range()
	if err := m.as.pageTables.Unmap(r.StartAddress(), r.Count(), r.Start().Class()); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("unmap %v: %w", r, err)
	}
	m.unmapped = true
	frames := m.frames
	m.frames = nil
	keep := m.keepFrames && !release
	m.mu.Unlock()

	// No translation may survive once the range can be handed out again.
	m.as.shootdown(r.AddrRange())
	m.pages.Release()
	m.as.drop(1)
	unmapsMetric.Increment(r.Start().Class().String())
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: unmapped %v", r)
	}
	if keep {
		for _, f := range frames {
			f.SetMapped(false)
		}
		return frames, nil
	}
	for _, f := range frames {
		f.Release()
	}
	return nil, nil
}

// Translate returns the physical address addr is mapped to.
func (m *MappedPages[S]) Translate(addr hostarch.Addr) (uintptr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unmapped {
		return 0, fmt.Errorf("translate %v: %w", addr, memory.ErrAlreadyUnmapped)
	}
	if !m.pages.Range().Contains(addr) {
		return 0, fmt.Errorf("translate %v outside %v: %w", addr, m.pages.Range(), memory.ErrOutOfBounds)
	}
	phys, _, _, ok := m.as.pageTables.Lookup(addr)
	if !ok {
		panic(fmt.Sprintf("%v is live but %v has no translation", m.pages.Range(), addr))
	}
	return phys, nil
}

// access calls fn with the backing memory of length bytes at offset,
// resolving every chunk through the page tables. It returns the number of
// bytes covered. m.mu must be held.
func (m *MappedPages[S]) access(offset int64, length int, fn func(b []byte)) (int, error) {
	if m.unmapped {
		return 0, memory.ErrAlreadyUnmapped
	}
	r := m.pages.Range()
	if offset < 0 || uint64(offset) > r.Bytes() {
		return 0, fmt.Errorf("offset %d in %v: %w", offset, r, memory.ErrOutOfBounds)
	}
	if rem := r.Bytes() - uint64(offset); uint64(length) > rem {
		length = int(rem)
	}
	done := 0
	for done < length {
		addr := r.StartAddress() + hostarch.Addr(uint64(offset)+uint64(done))
		phys, _, class, ok := m.as.pageTables.Lookup(addr)
		if !ok {
			panic(fmt.Sprintf("%v is live but %v has no translation", r, addr))
		}
		n := int(class.Bytes() - uint64(addr)&(class.Bytes()-1))
		if n > length-done {
			n = length - done
		}
		b, err := m.as.frames.MemoryFile().Slice(phys, uint64(n))
		if err != nil {
			return done, err
		}
		fn(b)
		done += n
	}
	return done, nil
}

// ReadAt implements io.ReaderAt.ReadAt.
func (m *MappedPages[S]) ReadAt(dst []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.opts.AccessType.Read {
		return 0, fmt.Errorf("read %v: %w", m.pages.Range(), memory.ErrPermission)
	}
	want := len(dst)
	n, err := m.access(off, want, func(b []byte) {
		dst = dst[copy(dst, b):]
	})
	if err == nil && n < want {
		err = io.EOF
	}
	return n, err
}

// WriteAt implements io.WriterAt.WriteAt.
func (m *MappedPages[S]) WriteAt(src []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.opts.AccessType.Write {
		return 0, fmt.Errorf("write %v: %w", m.pages.Range(), memory.ErrPermission)
	}
	n, err := m.access(off, len(src), func(b []byte) {
		src = src[copy(b, src):]
	})
	if err == nil && len(src) > 0 {
		err = fmt.Errorf("write %d bytes past the end of %v: %w", len(src), m.pages.Range(), memory.ErrOutOfBounds)
	}
	return n, err
}

// slice returns length bytes at offset, which must lie in one frame run.
func (m *MappedPages[S]) slice(offset, length uint64) ([]byte, error) {
	if m.unmapped {
		return nil, memory.ErrAlreadyUnmapped
	}
	rel := offset
	for _, f := range m.frames {
		if rel < f.Bytes() {
			if length > f.Bytes()-rel {
				break
			}
			b, err := f.Slice()
			if err != nil {
				return nil, err
			}
			return b[rel : rel+length : rel+length], nil
		}
		rel -= f.Bytes()
	}
	return nil, fmt.Errorf("slice of %d bytes at %d in %v: %w", length, offset, m.pages.Range(), memory.ErrOutOfBounds)
}

// Slice returns the mapped contents of length bytes at offset for reading.
// The range must not straddle frame runs joined by Merge. The slice aliases
// the frames and must not be used after the mapping is unmapped.
func (m *MappedPages[S]) Slice(offset, length uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.opts.AccessType.Read {
		return nil, fmt.Errorf("read %v: %w", m.pages.Range(), memory.ErrPermission)
	}
	return m.slice(offset, length)
}

// SliceMut is like Slice, but for writing.
func (m *MappedPages[S]) SliceMut(offset, length uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.opts.AccessType.Write {
		return nil, fmt.Errorf("write %v: %w", m.pages.Range(), memory.ErrPermission)
	}
	return m.slice(offset, length)
}

// Remap changes the options of every page, then invalidates stale
// translations. Remapping with the current options does nothing.
func (m *MappedPages[S]) Remap(opts pagetables.MapOpts) error {
	m.mu.Lock()
	if m.unmapped {
		m.mu.Unlock()
		return fmt.Errorf("remap: %w", memory.ErrAlreadyUnmapped)
	}
	if opts == m.opts {
		m.mu.Unlock()
		return nil
	}
	r := m.pages.Range()
	if err := m.as.pageTables.Protect(r.StartAddress(), r.Count(), r.Start().Class(), opts); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("remap %v: %w", r, err)
	}
	old := m.opts
	m.opts = opts
	m.mu.Unlock()

	m.as.shootdown(r.AddrRange())
	log.Debugf("mm: remapped %v from %v to %v", r, old, opts)
	return nil
}

// Merge absorbs other, which must be mapped in the same address space with
// the same options and be virtually contiguous with m, before or after it.
// On success other is no longer live; on failure neither mapping changes.
func (m *MappedPages[S]) Merge(other *MappedPages[S]) error {
	if m == other {
		return fmt.Errorf("merge mapping with itself: %w", memory.ErrIncompatible)
	}
	if m.as != other.as {
		return fmt.Errorf("merge mappings of address spaces %d and %d: %w", m.as.asid, other.as.asid, memory.ErrIncompatible)
	}

	// Lock in address order.
	first, second := m, other
	if other.pages.StartAddress() < m.pages.StartAddress() {
		first, second = other, m
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if m.unmapped || other.unmapped {
		return fmt.Errorf("merge: %w", memory.ErrAlreadyUnmapped)
	}
	if m.opts != other.opts {
		return fmt.Errorf("merge mappings with options %v and %v: %w", m.opts, other.opts, memory.ErrIncompatible)
	}
	before := other.pages.StartAddress() < m.pages.StartAddress()
	if err := m.pages.Merge(other.pages); err != nil {
		return err
	}
	if before {
		m.frames = append(other.frames, m.frames...)
	} else {
		m.frames = append(m.frames, other.frames...)
	}
	other.frames = nil
	other.unmapped = true
	m.as.drop(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: merged into %v", m.pages.Range())
	}
	return nil
}

// DeepCopy maps a new range of the same size with opts and copies the
// contents of m into it.
func (m *MappedPages[S]) DeepCopy(opts pagetables.MapOpts) (*MappedPages[S], error) {
	c, err := memory.Require[S](m.as.sizes)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unmapped {
		return nil, fmt.Errorf("copy: %w", memory.ErrAlreadyUnmapped)
	}
	count := m.pages.Count()
	pages, err := vmalloc.Allocate(m.as.pages, c, count)
	if err != nil {
		return nil, err
	}
	frames, err := pgalloc.AllocateFrames(m.as.frames, c, count)
	if err != nil {
		pages.Release()
		return nil, err
	}
	dst, err := frames.Slice()
	if err != nil {
		pages.Release()
		frames.Release()
		return nil, err
	}
	for _, f := range m.frames {
		src, err := f.Slice()
		if err != nil {
			pages.Release()
			frames.Release()
			return nil, err
		}
		dst = dst[copy(dst, src):]
	}
	cp, err := MapAllocatedPagesTo(m.as, pages, frames, opts)
	if err != nil {
		pages.Release()
		frames.Release()
		return nil, err
	}
	return cp, nil
}

// Checksum returns the xxhash64 digest of the mapped contents.
func (m *MappedPages[S]) Checksum() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unmapped {
		return 0, fmt.Errorf("checksum: %w", memory.ErrAlreadyUnmapped)
	}
	d := xxhash.New()
	for _, f := range m.frames {
		b, err := f.Slice()
		if err != nil {
			return 0, err
		}
		d.Write(b)
	}
	return d.Sum64(), nil
}
