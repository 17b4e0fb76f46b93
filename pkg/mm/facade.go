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
	"fmt"
	"io"

	"gvisor.dev/vmem/pkg/cleanup"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/pgalloc"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
	"gvisor.dev/vmem/pkg/vmalloc"
)

// Mapping is a MappedPages of any size class.
type Mapping interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	fmt.Stringer

	SizeClass() memory.SizeClass
	Start() hostarch.Addr
	Bytes() uint64
	Count() uint64
	Flags() pagetables.MapOpts
	AddressSpaceID() uint16
	Translate(addr hostarch.Addr) (uintptr, error)
	Checksum() (uint64, error)
	Live() bool
}

var (
	_ Mapping = (*MappedPages[memory.Base])(nil)
	_ Mapping = (*MappedPages[memory.Huge2M])(nil)
	_ Mapping = (*MappedPages[memory.Huge1G])(nil)
)

// CreateOpts select the page size of CreateMapping.
type CreateOpts struct {
	// Class is the page size to map with. SizeBase, the zero value, leaves
	// the choice to AutoHuge.
	Class memory.SizeClass

	// AutoHuge picks the largest supported page size that evenly divides
	// the length, when Class is SizeBase.
	AutoHuge bool
}

// ChooseClass returns the page size CreateMapping uses for a mapping of
// bytes. A requested class the processor lacks is an error; there is no
// fallback to a smaller size.
func ChooseClass(sizes *memory.Sizes, bytes uint64, copts CreateOpts) (memory.SizeClass, error) {
	if copts.Class != memory.SizeBase {
		if !sizes.Supports(copts.Class) {
			return 0, fmt.Errorf("%v pages: %w", copts.Class, memory.ErrUnsupportedSize)
		}
		return copts.Class, nil
	}
	if !copts.AutoHuge {
		return memory.SizeBase, nil
	}
	length, ok := hostarch.Addr(bytes).RoundUp()
	if !ok {
		return 0, fmt.Errorf("length %#x: %w", bytes, memory.ErrInvalidCount)
	}
	supported := sizes.Supported()
	for i := len(supported) - 1; i >= 0; i-- {
		if c := supported[i]; uint64(length)%c.Bytes() == 0 {
			return c, nil
		}
	}
	return memory.SizeBase, nil
}

// CreateMapping allocates pages and frames for at least bytes and maps them
// with opts. Anything reserved is released if a later step fails.
func CreateMapping(as *AddressSpace, bytes uint64, opts pagetables.MapOpts, copts CreateOpts) (Mapping, error) {
	class, err := ChooseClass(as.sizes, bytes, copts)
	if err != nil {
		return nil, err
	}
	switch class {
	case memory.SizeBase:
		return asMapping(CreateMappingOf(as, memory.BaseCapability(), bytes, opts))
	case memory.SizeHuge2M:
		c, err := memory.Require[memory.Huge2M](as.sizes)
		if err != nil {
			return nil, err
		}
		return asMapping(CreateMappingOf(as, c, bytes, opts))
	case memory.SizeHuge1G:
		c, err := memory.Require[memory.Huge1G](as.sizes)
		if err != nil {
			return nil, err
		}
		return asMapping(CreateMappingOf(as, c, bytes, opts))
	default:
		return nil, fmt.Errorf("%v: %w", class, memory.ErrUnsupportedSize)
	}
}

// asMapping keeps a failed typed result from becoming a non-nil Mapping.
func asMapping[S memory.Size](m *MappedPages[S], err error) (Mapping, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CreateMappingOf is CreateMapping for a fixed page size.
func CreateMappingOf[S memory.Size](as *AddressSpace, c memory.Capability[S], bytes uint64, opts pagetables.MapOpts) (*MappedPages[S], error) {
	pages, err := AllocatePagesByBytes(as, c, bytes)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(pages.Release)
	defer cu.Clean()

	frames, err := pgalloc.AllocateFrames(as.frames, c, pages.Count())
	if err != nil {
		return nil, err
	}
	cu.Add(frames.Release)

	m, err := MapAllocatedPagesTo(as, pages, frames, opts)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return m, nil
}

// AllocatePagesByBytes allocates enough pages of size S to cover bytes.
func AllocatePagesByBytes[S memory.Size](as *AddressSpace, c memory.Capability[S], bytes uint64) (*vmalloc.AllocatedPages[S], error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	if bytes == 0 {
		return nil, fmt.Errorf("zero length: %w", memory.ErrInvalidCount)
	}
	size := memory.ClassOf[S]().Bytes()
	count := bytes / size
	if bytes%size != 0 {
		count++
	}
	return vmalloc.Allocate(as.pages, c, count)
}
