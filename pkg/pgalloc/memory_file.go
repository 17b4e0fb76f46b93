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

package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmem/pkg/hostarch"
)

// MemoryFile is the simulated physical memory: an anonymous private mapping
// of the host whose byte offsets are physical addresses. Pages that were never
// written do not consume host memory.
type MemoryFile struct {
	// mapping is immutable until Close.
	mapping []byte
}

// NewMemoryFile maps size bytes of physical memory. size must be a multiple
// of the base page size.
func NewMemoryFile(size uint64) (*MemoryFile, error) {
	if size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("invalid memory file size %#x", size)
	}
	m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to map %#x bytes of physical memory: %w", size, err)
	}
	return &MemoryFile{mapping: m}, nil
}

// Size returns the size of physical memory in bytes.
func (f *MemoryFile) Size() uint64 {
	return uint64(len(f.mapping))
}

// Slice returns the bytes of [phys, phys+length). The slice aliases physical
// memory and must not be retained past Close.
func (f *MemoryFile) Slice(phys uintptr, length uint64) ([]byte, error) {
	end := uint64(phys) + length
	if end < uint64(phys) || end > f.Size() {
		return nil, fmt.Errorf("physical range [%#x, %#x) outside memory of %#x bytes", phys, end, f.Size())
	}
	return f.mapping[phys:end:end], nil
}

// Zero discards the contents of [phys, phys+length), which must be page
// aligned. The range reads as zero afterwards.
func (f *MemoryFile) Zero(phys uintptr, length uint64) error {
	b, err := f.Slice(phys, length)
	if err != nil {
		return err
	}
	if !hostarch.Addr(phys).IsPageAligned() || length%hostarch.PageSize != 0 {
		clear(b)
		return nil
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		clear(b)
	}
	return nil
}

// Close unmaps physical memory. All slices obtained from f become invalid.
func (f *MemoryFile) Close() error {
	if f.mapping == nil {
		return nil
	}
	err := unix.Munmap(f.mapping)
	f.mapping = nil
	return err
}
